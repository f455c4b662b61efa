// File: cmd/permitflow/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/permitflow/permitflow/cmd"
	"github.com/permitflow/permitflow/internal/observability"
)

func main() {
	// Listen for interrupt signals so an in-flight run can stop between
	// stages instead of being killed mid-request.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
