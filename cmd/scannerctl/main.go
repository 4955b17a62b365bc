package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/fieldscan/internal/config"
	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/observability"
	"github.com/danmuck/fieldscan/internal/scanner"
)

func main() {
	path := flag.String("config", "", "scanner config file (.toml or .yaml)")
	flag.Parse()

	logs.ConfigureRuntime()
	observability.InitLogger("fieldscan", "scanner")

	cfg, err := config.LoadScanner(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scannerctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := scanner.NewService(cfg, scanner.SidecarDeps(cfg), nil)
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scannerctl: %v\n", err)
		os.Exit(1)
	}
}
