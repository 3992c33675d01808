// Command axewatch is the accessibility audit daemon: it opens pages in
// Chrome, runs axe-core on them, and re-audits whenever they change.
//
// Usage:
//
//	axewatch -config axewatch.yaml                 # watch pages from YAML config
//	axewatch -url https://example.com              # watch a single page
//	axewatch -url https://example.com -once        # audit once, exit 2 on violations
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/axewatch/axewatch"
	"github.com/hazyhaar/axewatch/internal/axe"
	"github.com/hazyhaar/axewatch/internal/browser"
	"github.com/hazyhaar/axewatch/internal/config"
	"github.com/hazyhaar/axewatch/internal/sink"
	"github.com/hazyhaar/axewatch/internal/store"
)

// errViolations makes -once exit with status 2.
var errViolations = errors.New("violations found")

func main() {
	configPath := flag.String("config", "", "path to axewatch.yaml config file")
	singleURL := flag.String("url", "", "audit a single URL")
	selector := flag.String("selector", "", "with -url: audit only the first element matching this selector")
	once := flag.Bool("once", false, "audit once, print the report and exit (status 2 on violations)")
	addr := flag.String("addr", "", "HTTP API listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *configPath == "" && *singleURL == "" {
		fmt.Fprintln(os.Stderr, "usage: axewatch -config <file> | -url <url> [-selector <css>] [-once]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("axewatch: config", "error", err)
		os.Exit(1)
	}
	if *singleURL != "" {
		if err := cfg.AddPage(*singleURL, *selector); err != nil {
			logger.Error("axewatch: config", "error", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		err = runOnce(ctx, logger, cfg)
	} else {
		err = runDaemon(ctx, logger, cfg)
	}
	switch {
	case errors.Is(err, errViolations):
		os.Exit(2)
	case err != nil:
		logger.Error("axewatch: fatal", "error", err)
		os.Exit(1)
	}
}

// runOnce audits every page a single time with stdout as the only sink.
func runOnce(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	cfg.Audit.Enabled = axewatch.Bool(true)
	cfg.Audit.WatchChanges = axewatch.Bool(false)
	cfg.Audit.WatchInteractions = axewatch.Bool(false)
	cfg.Audit.Highlighting = axewatch.Bool(false)

	mgr, err := startBrowser(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	w := newWatcher(logger, cfg, mgr, sink.NewStdout(os.Stdout))
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	timeout := 2 * time.Minute
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := w.AwaitInitial(waitCtx); err != nil {
		return fmt.Errorf("initial audit: %w", err)
	}
	if err := w.Coordinator().Wait(waitCtx); err != nil {
		return fmt.Errorf("initial audit: %w", err)
	}

	total, failed := 0, 0
	pages := w.Pages()
	for _, p := range pages {
		if !p.InitialDone {
			failed++
			logger.Error("axewatch: page not audited", "page", p.ID, "url", p.URL, "error", p.Error)
			continue
		}
		if p.Error != "" {
			logger.Warn("axewatch: page audited with errors", "page", p.ID, "error", p.Error)
		}
		total += p.Violations
	}
	logger.Info("axewatch: audit complete", "pages", len(pages), "failed", failed, "violations", total)
	if failed > 0 {
		return fmt.Errorf("%d of %d pages not audited", failed, len(pages))
	}
	if total > 0 {
		return errViolations
	}
	return nil
}

func runDaemon(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	mgr, err := startBrowser(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var (
		st  *store.Store
		hub *sink.Hub
	)
	if cfg.Store.Path != "" {
		if st, err = store.Open(cfg.Store.Path); err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
	}

	router := sink.NewRouter(logger)
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			router.Add(sink.NewStdout(os.Stdout))
		case "webhook":
			router.Add(sink.NewWebhook(sc.URL,
				sink.WithWebhookRetries(sc.Retries),
				sink.WithWebhookSanitize(sc.Sanitize),
				sink.WithWebhookLogger(logger)))
		case "store":
			if st == nil {
				logger.Warn("axewatch: store sink without store.path, skipped")
				continue
			}
			router.Add(sink.NewStore(st))
		case "websocket":
			if hub == nil {
				hub = sink.NewHub(logger)
			}
			router.Add(hub)
		}
	}
	defer router.Close()

	if st != nil {
		go pruneLoop(ctx, logger, st, cfg.Store.Retention)
	}

	w := newWatcher(logger, cfg, mgr, router)
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	if cfg.Server.Addr == "" {
		<-ctx.Done()
		return nil
	}

	api := &axewatch.API{Watcher: w, Store: st, Logger: logger}
	if hub != nil {
		api.Hub = hub
	}
	return serve(ctx, logger, cfg.Server.Addr, api)
}

func startBrowser(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*browser.Manager, error) {
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Mode:             browser.ParseMode(cfg.Browser.Mode),
		Stealth:          cfg.Browser.Stealth,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})
	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return mgr, nil
}

func newWatcher(logger *slog.Logger, cfg *config.Config, mgr *browser.Manager, out axewatch.ReportSink) *axewatch.Watcher {
	a := cfg.Audit
	enabled := a.Enabled
	if enabled == nil {
		enabled = axewatch.Bool(cfg.Development())
	}

	pages := make([]axewatch.Page, 0, len(cfg.Pages))
	for _, p := range cfg.Pages {
		pages = append(pages, axewatch.Page{ID: p.ID, URL: p.URL, Selector: p.Selector})
	}

	runner := axe.New(axe.Config{Source: a.AxeSource, Logger: logger})
	return axewatch.NewWatcher(axewatch.WatcherConfig{
		Open:    axewatch.BrowserOpener(mgr),
		Scanner: axewatch.AxeScanner(runner),
		Pages:   pages,
		Options: axewatch.Options{
			Enabled:            enabled,
			ScannerOptions:     a.ScannerOptions,
			EnableHighlighting: a.Highlighting,
			WatchForChanges:    a.WatchChanges,
			WatchInteractions:  a.WatchInteractions,
			WaitForContent:     a.WaitForContent,
			DebounceDelay:      a.DebounceDelay,
			InitialScanDelay:   a.InitialScanDelay,
			ReadinessTimeout:   a.ReadinessTimeout,
			SettleDelay:        a.SettleDelay,
			InitialRetryDelay:  a.RetryDelay,
			MaxInitialRetries:  a.MaxRetries,
			LoggerPrefix:       a.LoggerPrefix,
		},
		Sink:   out,
		Logger: logger,
	})
}

func serve(ctx context.Context, logger *slog.Logger, addr string, api *axewatch.API) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	api.RegisterHTTP(r)

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "axewatch", Version: "1.0.0"}, nil)
	api.RegisterMCP(mcpSrv)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("axewatch: http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("axewatch: http shutdown", "error", err)
	}
	logger.Info("axewatch: http stopped")
	return nil
}

// pruneLoop drops history older than retention, now and then hourly.
func pruneLoop(ctx context.Context, logger *slog.Logger, st *store.Store, retention time.Duration) {
	prune := func() {
		n, err := st.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("store: prune failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("store: pruned runs", "count", n)
		}
	}
	prune()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
