package axewatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/axewatch/internal/dom"
)

func TestQualifies(t *testing.T) {
	cases := []struct {
		ch   dom.Change
		want bool
	}{
		{dom.Change{Kind: dom.KindMutation, Type: "childList"}, true},
		{dom.Change{Kind: dom.KindMutation, Type: "attributes", Attribute: "aria-busy"}, true},
		{dom.Change{Kind: dom.KindMutation, Type: "attributes", Attribute: "alt"}, true},
		{dom.Change{Kind: dom.KindMutation, Type: "attributes", Attribute: "class"}, false},
		{dom.Change{Kind: dom.KindMutation, Type: "characterData"}, false},
		{dom.Change{Kind: dom.KindInteraction, Type: "keydown"}, true},
		{dom.Change{Kind: dom.KindInteraction, Type: "mousemove"}, false},
	}
	for _, tc := range cases {
		if got := qualifies(tc.ch); got != tc.want {
			t.Errorf("qualifies(%+v) = %v, want %v", tc.ch, got, tc.want)
		}
	}
}

func TestDebouncer_FiresOnceAfterQuiet(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(20*time.Millisecond, func() { fired.Add(1) })
	for range 4 {
		d.trigger()
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 0 {
		t.Fatal("fired during the burst")
	}
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired: got %d, want 1", got)
	}
}

func TestDebouncer_Stop(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(10*time.Millisecond, func() { fired.Add(1) })
	d.trigger()
	d.stop()
	d.trigger()
	time.Sleep(30 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired after stop: %d", got)
	}
}
