package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Asim971/pharmaflow-sync/internal/agent"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := agent.New(cfg)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error starting agent:", err)
		os.Exit(1)
	}

	<-stopCh
	cancel()
	if err := a.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, "Error stopping agent:", err)
	}
}
