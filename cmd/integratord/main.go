// cmd/integratord/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/daemon"
)

func main() {
	mode := "daemon"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	configPath, rulesDir := config.Paths()
	d := daemon.New(configPath, rulesDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch mode {
	case "daemon":
		err = d.Run(ctx)
	case "mcp-server":
		// stdout carries the MCP stream; logs go to the log dir or stderr
		err = d.ServeMCP(ctx)
	case "version":
		fmt.Println(daemon.Version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s (want daemon, mcp-server or version)\n", mode)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "integratord: %v\n", err)
		os.Exit(1)
	}
}
