package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/axewatch/violation"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleReport(page string) violation.Report {
	rec := violation.Record{
		RuleID: "image-alt",
		Impact: violation.ImpactCritical,
		Nodes: []violation.NodeRef{{
			HTML:   `<img src="a.png" onerror="alert(1)">`,
			Target: []string{"img"},
		}},
	}
	return violation.Report{
		ID:         "r1",
		SessionID:  "s1",
		PageID:     page,
		Target:     page,
		Initial:    true,
		Timestamp:  time.Now().UnixMilli(),
		Violations: []violation.Record{rec},
		Added:      []violation.Record{rec},
	}
}

type failSink struct{ calls int }

func (f *failSink) Send(context.Context, violation.Report) error {
	f.calls++
	return errors.New("down")
}
func (f *failSink) Close() error { return nil }

func TestStdout_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	if err := s.Send(context.Background(), sampleReport("home")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(context.Background(), sampleReport("about")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: got %d, want 2", len(lines))
	}
	var env struct {
		Type string           `json:"type"`
		Data violation.Report `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "report" || env.Data.PageID != "about" {
		t.Fatalf("envelope: got %+v", env)
	}
}

func TestRouter_FanOutDespiteFailure(t *testing.T) {
	var got []string
	cb := NewCallback(func(_ context.Context, r violation.Report) error {
		got = append(got, r.ID)
		return nil
	})
	bad := &failSink{}
	r := NewRouter(quietLogger(), bad, cb)

	err := r.Send(context.Background(), sampleReport("home"))
	if err == nil {
		t.Fatal("Router.Send: expected the failing sink's error")
	}
	if bad.calls != 1 || len(got) != 1 {
		t.Fatalf("deliveries: failing=%d callback=%d", bad.calls, len(got))
	}
	if r.Len() != 2 {
		t.Fatalf("Len: got %d", r.Len())
	}
}

func TestCallback_Nil(t *testing.T) {
	if err := NewCallback(nil).Send(context.Background(), sampleReport("x")); err != nil {
		t.Fatalf("nil callback: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	r := sampleReport("home")
	clean := Sanitize(r)

	if strings.Contains(clean.Violations[0].Nodes[0].HTML, "onerror") {
		t.Fatalf("snippet not sanitised: %q", clean.Violations[0].Nodes[0].HTML)
	}
	if !strings.Contains(r.Violations[0].Nodes[0].HTML, "onerror") {
		t.Fatal("Sanitize modified its input")
	}
	if clean.Removed != nil {
		t.Fatal("nil slice became non-nil")
	}
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Type != "report" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookLogger(quietLogger()))
	if err := wh.Send(context.Background(), sampleReport("home")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("attempts: got %d, want 3", n)
	}
}

func TestWebhook_ClientErrorIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookLogger(quietLogger()))
	if err := wh.Send(context.Background(), sampleReport("home")); err == nil {
		t.Fatal("expected an error")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("attempts: got %d, want 1", n)
	}
}

func TestWebhook_Exhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, WithWebhookRetries(2), WithWebhookBackoff(time.Millisecond),
		WithWebhookLogger(quietLogger()))
	err := wh.Send(context.Background(), sampleReport("home"))
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("err: got %v", err)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("attempts: got %d, want 3", n)
	}
}

type memSaver struct{ reports []violation.Report }

func (m *memSaver) SaveReport(_ context.Context, r violation.Report) error {
	m.reports = append(m.reports, r)
	return nil
}

func TestStoreSink(t *testing.T) {
	saver := &memSaver{}
	s := NewStore(saver)
	if err := s.Send(context.Background(), sampleReport("home")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(saver.reports) != 1 {
		t.Fatalf("saved: got %d", len(saver.reports))
	}
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "subscribed" {
		t.Fatalf("hello: %+v, %v", hello, err)
	}
	return conn
}

func TestHub_StreamsReports(t *testing.T) {
	hub := NewHub(quietLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	all := dialHub(t, base)
	onlyAbout := dialHub(t, base+"?page=about")

	deadline := time.Now().Add(time.Second)
	for hub.Clients() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 2 {
		t.Fatalf("clients: got %d, want 2", hub.Clients())
	}

	hub.Send(context.Background(), sampleReport("home"))
	hub.Send(context.Background(), sampleReport("about"))

	var env struct {
		Type string           `json:"type"`
		Data violation.Report `json:"data"`
	}
	if err := all.ReadJSON(&env); err != nil || env.Data.PageID != "home" {
		t.Fatalf("all client first report: %+v, %v", env.Data.PageID, err)
	}
	if strings.Contains(env.Data.Violations[0].Nodes[0].HTML, "onerror") {
		t.Fatal("hub streamed an unsanitised snippet")
	}
	if err := onlyAbout.ReadJSON(&env); err != nil || env.Data.PageID != "about" {
		t.Fatalf("filtered client report: %+v, %v", env.Data.PageID, err)
	}
}

func TestHub_CloseDisconnects(t *testing.T) {
	hub := NewHub(quietLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	hub.Close()

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("read after hub close: expected an error")
	}
}
