package app

import (
	"context"
	"errors"

	"github.com/vk/rnaflow/internal/config"
	"github.com/vk/rnaflow/internal/ctxlog"
	"github.com/vk/rnaflow/internal/run"
)

// Run loads the run file and drives a new run, or a resumed one when resume
// is set, to completion. The report is written to the output writer. A
// cancelled ctx cancels the run; Run still returns its report.
func (a *App) Run(ctx context.Context) (*run.Report, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "config", a.config.ConfigPath)
	if a.config.ConfigPath == "" {
		return nil, errors.New("no run file given")
	}
	m, err := config.Load(ctx, a.config.ConfigPath, a.applyFlags)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Run file loaded.", "samples", len(m.Samples), "job_store", m.Options.JobStoreLocation)
	a.mu.Lock()
	a.location = m.Options.JobStoreLocation
	a.mu.Unlock()
	return a.drive(ctx, func() (*run.Handle, error) {
		return a.coord.StartRun(ctx, m)
	})
}

// Resume continues the run recorded in the configured job store.
func (a *App) Resume(ctx context.Context) (*run.Report, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Resume method started.", "job_store", a.config.JobStore)
	if a.config.JobStore == "" {
		return nil, errors.New("no job store given")
	}
	a.mu.Lock()
	a.location = a.config.JobStore
	a.mu.Unlock()
	return a.drive(ctx, func() (*run.Handle, error) {
		return a.coord.ResumeRun(ctx, a.config.JobStore)
	})
}

func (a *App) drive(ctx context.Context, start func() (*run.Handle, error)) (*run.Report, error) {
	a.startStatusServer(ctx)
	defer a.closeStatusServer(ctx)

	h, err := start()
	if err != nil {
		return nil, err
	}
	a.setHandle(h)

	select {
	case <-ctx.Done():
		a.logger.Warn("🛑 Interrupted, stopping run.", "run", h.RunID())
		h.Cancel()
	case <-h.Done():
	}
	report, err := h.Wait()
	if report != nil {
		if werr := report.Write(a.outW); werr != nil && err == nil {
			err = werr
		}
	}
	a.logger.Debug("App.Run method finished.")
	return report, err
}
