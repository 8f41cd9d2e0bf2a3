package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/deployr"
)

// This example loads deployr.toml next to the binary's working directory and
// runs a full deploy of the given release against the local machine using
// the public deployr facade.
//
//	go run ./example/embedded_deploy /srv/api/releases/20240101000000
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: embedded_deploy <release_path>")
		os.Exit(2)
	}
	cfgPath := filepath.Join("config", "deployr.toml")
	cfg, err := deployr.LoadConfig(cfgPath, []string{
		"release_path=" + os.Args[1],
		"remote.local=true",
	})
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	d, err := deployr.New(ctx, cfg, deployr.Options{})
	if err != nil {
		panic(err)
	}
	defer func() { _ = d.Close() }()

	changed, err := d.InitChanged(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("init script %s changed: %v\n", d.Context().InitFilePath(), changed)

	if err := d.Deploy(ctx); err != nil {
		panic(err)
	}
	st, err := d.Status(ctx)
	if err != nil {
		panic(err)
	}
	b, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(b))
}
