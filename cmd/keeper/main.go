package main

import (
	"flag"
	"fmt"
	"os"

	"funding_keeper/internal/bootstrap"
)

var configFile = flag.String("config", "config.yaml", "Path to configuration file")

func main() {
	flag.Parse()
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		*configFile = env
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		// No logger exists until bootstrap succeeds.
		fmt.Fprintln(os.Stderr, "keeper startup failed:", err)
		os.Exit(1)
	}

	err = app.Run()
	app.Close()
	if err != nil {
		os.Exit(1)
	}
}
