package app

import (
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vk/rnaflow/internal/model"
	"github.com/vk/rnaflow/internal/run"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	coord  *run.Coordinator

	mu         sync.Mutex
	handle     *run.Handle
	location   string
	httpServer *http.Server
}

// NewApp returns an App that writes reports to outW and logs to logW. The
// run options are passed to the coordinator, mostly to swap the invoker in
// tests.
func NewApp(outW, logW io.Writer, cfg *Config, opts ...run.Option) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	logger.Debug("Logger configured successfully.")
	return &App{
		outW:   outW,
		logger: logger,
		config: cfg,
		coord:  run.NewCoordinator(opts...),
	}
}

// Logger returns the application's logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// applyFlags is the config.Override for command line settings.
func (a *App) applyFlags(o *model.Options) {
	c := a.config
	if c.Resume {
		o.Resume = true
	}
	if c.JobStore != "" {
		o.JobStoreLocation = c.JobStore
	}
	if c.MaxCores > 0 {
		o.MaxCores = c.MaxCores
	}
	if c.Workers > 0 {
		o.MaxJobs = c.Workers
	}
}

func (a *App) setHandle(h *run.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle = h
}

// JobStore returns the job store location of the last started run.
func (a *App) JobStore() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.location
}

func (a *App) currentHandle() *run.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}
