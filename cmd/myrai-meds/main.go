package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gmsas95/myrai-meds/internal/app"
	"github.com/gmsas95/myrai-meds/internal/cli"
	"github.com/gmsas95/myrai-meds/internal/config"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	version    = "dev"
)

func main() {
	cli.Version = version
	flag.Usage = func() { cli.PrintHelp(os.Stderr) }
	flag.Parse()

	command := "serve"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "help", "--help", "-h":
		cli.PrintHelp(os.Stdout)
		return
	case "version", "--version", "-v":
		cli.PrintVersion(os.Stdout)
		return
	case "serve", "sweep", "report", "reconcile":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		cli.PrintHelp(os.Stderr)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	application := initApp()
	err := run(ctx, application, command, args)
	if closeErr := application.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, application *app.App, command string, args []string) error {
	switch command {
	case "sweep":
		return cli.HandleSweepCommand(ctx, application, os.Stdout)
	case "report":
		return cli.HandleReportCommand(ctx, application, args, os.Stdout)
	case "reconcile":
		return cli.HandleReconcileCommand(ctx, application, args, os.Stdout)
	default:
		application.WatchConfig()
		return application.Run(ctx)
	}
}

func initApp() *app.App {
	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	return application
}
