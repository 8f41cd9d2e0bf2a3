package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Serve runs the hook server until SIGINT or SIGTERM.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return c.withSession(ctx, func(s *session) error {
		sampler := c.sampler(s)
		if sampler != nil {
			sampler.Start(ctx)
			defer sampler.Stop()
		}
		gate := &deployr.RunGate{}
		sched, err := deployr.NewScheduler(s.d, gate)
		if err != nil {
			return err
		}
		server, err := c.startServer(s, f, sampler, gate)
		if err != nil {
			return err
		}
		if sched.Len() > 0 {
			sched.Start()
			for _, j := range s.cfg.File.Schedule {
				s.log.Info("scheduled", "job", j.Name, "action", j.Action, "next", sched.Next(j.Name))
			}
		}
		<-ctx.Done()

		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := sched.Stop(shutdownCtx); err != nil {
			s.log.Warn("scheduled run still active at shutdown", "error", err)
		}
		return server.Shutdown(shutdownCtx)
	})
}

func (c *command) startServer(s *session, f ServeFlags, sampler *metrics.ServiceSampler, gate *deployr.RunGate) (*http.Server, error) {
	sc := s.cfg.File.Server
	listen := sc.Listen
	if f.Listen != "" {
		listen = f.Listen
	}
	opts := deployr.ServerOptions{
		BasePath:  sc.BasePath,
		Token:     sc.Token,
		JWTSecret: sc.JWTSecret,
		Metrics:   s.cfg.File.Metrics.Enabled,
		Sampler:   sampler,
		Gate:      gate,
		Logger:    s.log,
	}
	if sc.Token == "" && sc.JWTSecret == "" {
		s.log.Warn("hook server has no token; every client may trigger deployments")
	}

	protocol := "HTTP"
	var (
		server *http.Server
		err    error
	)
	if sc.TLS.Enabled {
		protocol = "HTTPS"
		server, err = deployr.NewTLSServer(listen, s.d, opts)
	} else {
		server, err = deployr.NewHTTPServer(listen, s.d, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s server: %w", protocol, err)
	}
	s.log.Info("hook server started", "protocol", protocol, "listen", listen, "base_path", sc.BasePath, "job", s.cfg.Context.JobName())
	return server, nil
}

// sampler watches the service process through its pid file. It needs the
// pid file on this machine, so it only runs against a local target.
func (c *command) sampler(s *session) *metrics.ServiceSampler {
	mc := s.cfg.File.Metrics
	if !mc.ServiceProcess.Enabled {
		return nil
	}
	if !s.cfg.File.Remote.Local {
		s.log.Warn("service process metrics need remote.local; disabled")
		return nil
	}
	dc := s.cfg.Context
	sampler := metrics.NewServiceSampler(dc.JobName(), dc.PIDFile(), mc.ServiceProcess)
	if mc.Enabled {
		if err := sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			s.log.Warn("failed to register service process metrics", "error", err)
		}
	}
	return sampler
}
