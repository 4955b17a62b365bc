package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/fieldscan/internal/config"
	"github.com/danmuck/fieldscan/internal/controller"
	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/observability"
)

func main() {
	path := flag.String("config", "", "controller config file (.toml or .yaml)")
	flag.Parse()

	logs.ConfigureRuntime()
	observability.InitLogger("fieldscan", "controller")

	cfg, err := config.LoadController(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "controllerctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := controller.NewService(cfg, controller.SidecarDeps(cfg), nil, nil)
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "controllerctl: %v\n", err)
		os.Exit(1)
	}
}
