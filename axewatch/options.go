package axewatch

import (
	"log/slog"
	"maps"
	"os"
	"strings"
	"time"
)

// Options configures a Session. Pointer booleans default to true when nil,
// except Enabled which defaults to IsDevelopment().
type Options struct {
	// Element is the region to audit. Nil falls back to Root.
	Element Target
	// Root is the default region, normally the whole document.
	Root Target

	Enabled            *bool
	ScannerOptions     map[string]any
	EnableHighlighting *bool
	WatchForChanges    *bool
	WatchInteractions  *bool
	WaitForContent     *bool

	// DebounceDelay collapses change bursts into one scan. Default: 1s.
	DebounceDelay time.Duration
	// InitialScanDelay is the wait between attach and the first scan. Default: 2s.
	InitialScanDelay time.Duration
	// ReadinessTimeout bounds the readiness gate. Default: 5s.
	ReadinessTimeout time.Duration
	// SettleDelay is the wait between a completed scan and watcher activation. Default: 500ms.
	SettleDelay time.Duration
	// InitialRetryDelay is the backoff after a busy scanner on the initial scan. Default: 1s.
	InitialRetryDelay time.Duration
	// MaxInitialRetries caps busy retries of the initial scan. Default: 5.
	MaxInitialRetries int

	// LoggerPrefix is attached to every log record of the session.
	LoggerPrefix string
	Logger       *slog.Logger

	Renderer Renderer
	Sink     ReportSink

	// PageID and PageURL label reports.
	PageID  string
	PageURL string
}

// Bool returns a pointer to v, for Options fields.
func Bool(v bool) *bool { return &v }

// DefaultScannerOptions are layered under Options.ScannerOptions.
func DefaultScannerOptions() map[string]any {
	return map[string]any{
		"resultTypes": []string{"violations"},
	}
}

// IsDevelopment reports whether the process runs in a development
// environment, from AXEWATCH_ENV then APP_ENV. Anything but
// production/prod counts as development.
func IsDevelopment() bool {
	env := strings.TrimSpace(os.Getenv("AXEWATCH_ENV"))
	if env == "" {
		env = strings.TrimSpace(os.Getenv("APP_ENV"))
	}
	switch strings.ToLower(env) {
	case "production", "prod":
		return false
	}
	return true
}

// settings is Options with defaults resolved.
type settings struct {
	enabled           bool
	highlighting      bool
	watchChanges      bool
	watchInteractions bool
	waitForContent    bool
	scannerOptions    map[string]any

	debounceDelay     time.Duration
	initialScanDelay  time.Duration
	readinessTimeout  time.Duration
	settleDelay       time.Duration
	initialRetryDelay time.Duration
	maxInitialRetries int
}

func (o *Options) resolve() settings {
	s := settings{
		enabled:           boolOr(o.Enabled, IsDevelopment()),
		highlighting:      boolOr(o.EnableHighlighting, true),
		watchChanges:      boolOr(o.WatchForChanges, true),
		watchInteractions: boolOr(o.WatchInteractions, true),
		waitForContent:    boolOr(o.WaitForContent, true),
		debounceDelay:     durationOr(o.DebounceDelay, time.Second),
		initialScanDelay:  durationOr(o.InitialScanDelay, 2*time.Second),
		readinessTimeout:  durationOr(o.ReadinessTimeout, 5*time.Second),
		settleDelay:       durationOr(o.SettleDelay, 500*time.Millisecond),
		initialRetryDelay: durationOr(o.InitialRetryDelay, time.Second),
		maxInitialRetries: o.MaxInitialRetries,
	}
	if s.maxInitialRetries <= 0 {
		s.maxInitialRetries = 5
	}

	s.scannerOptions = DefaultScannerOptions()
	maps.Copy(s.scannerOptions, o.ScannerOptions)
	return s
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
