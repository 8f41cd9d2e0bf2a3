package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/loykin/deployr"
)

// Serves the deployr hook API from an Echo application. The router is a
// plain http.Handler, so any framework can mount it.
func main() {
	base := os.Getenv("API_BASE")
	if base == "" {
		base = "/deploy"
	}
	cfg, err := deployr.LoadConfig(os.Getenv("DEPLOYR_CONFIG"), nil)
	if err != nil {
		log.Fatal(err)
	}
	d, err := deployr.New(context.Background(), cfg, deployr.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	hooks := deployr.NewRouter(d, deployr.ServerOptions{
		BasePath:  base,
		Token:     os.Getenv("DEPLOYR_TOKEN"),
		JWTSecret: cfg.File.Server.JWTSecret,
	})
	h := echo.WrapHandler(hooks.Handler())

	e := echo.New()
	e.HideBanner = true
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.Any(base, h)
	e.Any(base+"/*", h)

	log.Printf("echo server on :8080, %s hooks for %s", base, d.Context().JobName())
	if err := e.Start(":8080"); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
