package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/okrause/bridgekeeper/internal/app"
	"github.com/okrause/bridgekeeper/internal/config"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("BRIDGEKEEPER_CONFIG"), "path to bridgekeeper.toml")
	flag.Parse()

	path := *cfgPath
	if path == "" {
		path = "bridgekeeper.toml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridgekeeper:", err)
		os.Exit(app.ExitConfig)
	}

	a, err := app.New(cfg, path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridgekeeper:", err)
		os.Exit(app.ExitConfig)
	}

	os.Exit(a.RunWithSignal())
}
