package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loykin/deployr/pkg/client"
)

var triggerActions = []string{
	"pre-deploy", "post-update", "post-rollback",
	"start", "stop", "restart", "reload", "status",
}

// Trigger asks a hook server to run an event or service verb and prints
// its answer.
func (c *command) Trigger(ctx context.Context, action string, f TriggerFlags) error {
	if f.Server == "" {
		f.Server = os.Getenv("DEPLOYR_SERVER")
	}
	if f.Server == "" {
		return errors.New("--server or DEPLOYR_SERVER is required")
	}
	if f.Token == "" {
		f.Token = os.Getenv("DEPLOYR_TOKEN")
	}
	cfg := client.Config{
		BaseURL:  f.Server,
		Token:    f.Token,
		Timeout:  f.Timeout,
		Insecure: f.Insecure,
		Logger:   slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	cl, err := client.New(cfg)
	if err != nil {
		return err
	}

	var out any
	switch action {
	case "pre-deploy", "post-update", "post-rollback":
		out, err = cl.Hook(ctx, action)
	case "start", "stop", "restart", "reload":
		out, err = cl.Service(ctx, action)
	case "status":
		out, err = cl.Status(ctx)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}
	printJSON(c.stdout, out)
	return nil
}
