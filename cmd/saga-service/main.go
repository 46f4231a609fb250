package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"

	"ordersaga/internal/app"
	"ordersaga/internal/config"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		stdlog.Fatalf("Application failed: %v", err)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("saga-service", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	v, err := config.NewViper(fs)
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	application, err := app.NewApplication(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer application.Shutdown()

	return application.Run()
}
