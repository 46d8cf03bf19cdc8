// Command archd is the harness's composition root: it loads the project
// configuration, checks external dependencies, runs the orchestrator's
// startup gate pipeline, and waits for a shutdown signal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AppSecHQ/arch/internal/config"
	"github.com/AppSecHQ/arch/internal/logx"
	"github.com/AppSecHQ/arch/internal/orchestrator"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to project configuration file (YAML)")
	flag.Parse()

	if configPath == "" {
		log.Fatal("-config is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := checkDependencies(); err != nil {
		log.Fatalf("missing required dependencies: %v", err)
	}

	logger := logx.NewLogger("archd")

	o, err := orchestrator.New(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("failed to construct orchestrator: %v", err)
	}

	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		var gateErr *orchestrator.GateError
		if errors.As(err, &gateErr) {
			logger.Error("startup gate %q failed: %v", gateErr.Gate, gateErr.Err)
		} else {
			logger.Error("startup failed: %v", err)
		}
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, initiating graceful shutdown", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := o.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown: %v", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// checkDependencies verifies that git (workspace provider) and the claude
// CLI (session supervisor) are on PATH before attempting to run. docker
// (container adapter, only used when a pool entry is sandboxed) and gh
// (tracker integration, only used when configured) are not checked here;
// their requirement is conditional on project configuration.
func checkDependencies() error {
	var missing []string
	for _, bin := range []string{"git", "claude"} {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required binaries not found in PATH: %v", missing)
	}
	return nil
}
