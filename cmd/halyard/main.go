// Package main runs the chat client store CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/halyard/internal/cmd/halyardctl"
	"github.com/louisbranch/halyard/internal/platform/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := halyardctl.Execute(ctx); err != nil {
		config.Exitf("halyard: %v", err)
	}
}
