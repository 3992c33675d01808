// Package axe runs axe-core inside a live page. The engine source is
// loaded once, from a file or a URL, and injected on demand.
package axe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/axewatch/violation"
)

// DefaultSource is the published axe-core bundle used when none is
// configured.
const DefaultSource = "https://cdn.jsdelivr.net/npm/axe-core@4.10.2/axe.min.js"

// ErrBusy is returned when axe reports a run already in progress on the page.
var ErrBusy = errors.New("axe: already running")

// Context is where axe runs: a whole document or one element of it.
type Context interface {
	// Evaluate runs the function js by promise, this bound to the audited
	// node (or the window for a document), and returns its string result.
	Evaluate(ctx context.Context, js string, args ...any) (string, error)
	// Inject evaluates a plain script in the page.
	Inject(ctx context.Context, src string) error
}

const presentJS = `() => typeof window.axe === 'object' && typeof window.axe.run === 'function' ? 'yes' : 'no'`

// runJS audits this (an Element) or, for a document context, the document.
const runJS = `function (opts) {
	const target = this instanceof Node ? this : document;
	return window.axe.run(target, opts).then(r => JSON.stringify({ violations: r.violations }));
}`

// Runner injects and runs axe-core.
type Runner struct {
	source string
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	script string
}

// Config configures a Runner.
type Config struct {
	// Source is a file path or an http(s) URL. Default: DefaultSource.
	Source string
	// Script is the engine source itself; it wins over Source.
	Script string
	Client *http.Client
	Logger *slog.Logger
}

// New creates a Runner. The source is fetched on first use.
func New(cfg Config) *Runner {
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{source: cfg.Source, client: cfg.Client, logger: cfg.Logger, script: cfg.Script}
}

// Run audits c with options passed to axe.run unmodified.
func (r *Runner) Run(ctx context.Context, c Context, options map[string]any) (*violation.Results, error) {
	if err := r.ensure(ctx, c); err != nil {
		return nil, err
	}
	if options == nil {
		options = map[string]any{}
	}

	out, err := c.Evaluate(ctx, runJS, options)
	if err != nil {
		if IsBusy(err) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("axe: run: %w", err)
	}
	var res violation.Results
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return nil, fmt.Errorf("axe: decode results: %w", err)
	}
	return &res, nil
}

// IsBusy reports whether err is axe refusing a concurrent run.
func IsBusy(err error) bool {
	if errors.Is(err, ErrBusy) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "Axe is already running")
}

// ensure injects the engine unless the page already has it.
func (r *Runner) ensure(ctx context.Context, c Context) error {
	present, err := c.Evaluate(ctx, presentJS)
	if err == nil && present == "yes" {
		return nil
	}
	script, err := r.load(ctx)
	if err != nil {
		return err
	}
	if err := c.Inject(ctx, script); err != nil {
		return fmt.Errorf("axe: inject: %w", err)
	}
	r.logger.Debug("axe: engine injected", "bytes", len(script))
	return nil
}

// load returns the engine source, fetching it until one attempt succeeds.
func (r *Runner) load(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.script != "" {
		return r.script, nil
	}
	script, err := r.fetch(ctx)
	if err != nil {
		return "", err
	}
	r.script = script
	return script, nil
}

func (r *Runner) fetch(ctx context.Context) (string, error) {
	if !strings.HasPrefix(r.source, "http://") && !strings.HasPrefix(r.source, "https://") {
		b, err := os.ReadFile(r.source)
		if err != nil {
			return "", fmt.Errorf("axe: read source: %w", err)
		}
		return string(b), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.source, nil)
	if err != nil {
		return "", fmt.Errorf("axe: source request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("axe: fetch source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("axe: fetch source: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("axe: read source body: %w", err)
	}
	r.logger.Info("axe: engine source fetched", "url", r.source, "bytes", len(b))
	return string(b), nil
}
