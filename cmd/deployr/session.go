package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/manifest"
)

// session is one CLI invocation bound to a loaded configuration and an
// open connection to the target.
type session struct {
	cfg       *deployr.Config
	d         *deployr.Deployer
	log       *slog.Logger
	logCloser io.Closer
}

func (c *command) loadConfig() (*deployr.Config, error) {
	cfg, err := deployr.LoadConfig(c.global.ConfigPath, c.global.overrides())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// open loads the configuration, sets up logging and metrics, and connects.
func (c *command) open(ctx context.Context) (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	log, closer, err := cfg.File.Log.NewSlogger(c.stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	switch m := cfg.Manifest; m.State {
	case manifest.StateMissing:
		log.Debug("package manifest not found, using configured defaults", "path", m.Path)
	case manifest.StateMalformed:
		log.Warn("package manifest is malformed, using configured defaults", "path", m.Path, "error", m.Err)
	}

	if cfg.File.Metrics.Enabled {
		if err := deployr.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	d, err := deployr.New(ctx, cfg, deployr.Options{Transport: c.transport, Logger: log})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	log.Debug("connected", "host", d.Host(), "job", cfg.Context.JobName())
	return &session{cfg: cfg, d: d, log: log, logCloser: closer}, nil
}

// Close flushes the metrics textfile and releases the connection and the
// log file.
func (s *session) Close() error {
	var errs []error
	if mc := s.cfg.File.Metrics; mc.Enabled && mc.Textfile != "" {
		if err := deployr.WriteMetricsTextfile(mc.Textfile); err != nil {
			errs = append(errs, fmt.Errorf("metrics textfile: %w", err))
		}
	}
	if err := s.d.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.logCloser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withSession opens a session, runs fn and closes it, keeping fn's error
// ahead of any close error.
func (c *command) withSession(ctx context.Context, fn func(s *session) error) (err error) {
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
