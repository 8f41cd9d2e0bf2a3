package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/deployr"
)

// Mounts the deployr hook API inside an existing gin application.
func main() {
	gin.SetMode(gin.ReleaseMode)
	base := os.Getenv("API_BASE") // e.g. "/deploy"
	if base == "" {
		base = "/api"
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

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	// hooks and [[schedule]] entries share one gate so they never overlap
	gate := &deployr.RunGate{}
	sched, err := deployr.NewScheduler(d, gate)
	if err != nil {
		log.Fatal(err)
	}
	sched.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = sched.Stop(ctx)
	}()

	hooks := deployr.NewRouter(d, deployr.ServerOptions{
		BasePath: base,
		Token:    os.Getenv("DEPLOYR_TOKEN"),
		Gate:     gate,
	})
	r.Any(base+"/*any", gin.WrapH(hooks.Handler()))

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Printf("hooks under %s, %d scheduled job(s)", base, sched.Len())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
