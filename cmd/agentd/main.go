// Command agentd runs the Veyrun payment agent: the orchestration engine
// plus the HTTP bridge that host shims (browser extension, CLI tooling)
// talk to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	veyrun "github.com/veyrun/veyrun"
	"github.com/veyrun/veyrun/bridge"
	"github.com/veyrun/veyrun/logger"
	"github.com/veyrun/veyrun/metrics"
	"github.com/veyrun/veyrun/payclient"
	"github.com/veyrun/veyrun/storage"
	"github.com/veyrun/veyrun/wallet"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "agentd",
		Short: "Veyrun payment agent",
		Long:  "agentd watches for 402 payment challenges relayed by host shims,\nmanages the local wallet, and settles x402 payments on request.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	log := logger.NewZap(cfg.LogLevel)
	defer log.Sync()

	store, err := storage.OpenSQLite(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheus(registry)

	walletSvc := wallet.NewManager(store, cfg.RPCURL)

	var clientOpts []payclient.Option
	if cfg.MockSignature {
		clientOpts = append(clientOpts, payclient.WithMockSignature())
	}
	client := payclient.New(walletSvc, clientOpts...)

	engineOpts := []veyrun.Option{
		veyrun.WithLogger(log),
		veyrun.WithMetrics(recorder),
		veyrun.WithCooldowns(cfg.OperatorCooldown, cfg.DirectCooldown),
	}
	if cfg.DirectAutoConfirm {
		engineOpts = append(engineOpts, veyrun.WithDirectAutoConfirm())
	}
	engine := veyrun.NewEngine(walletSvc, client, veyrun.NewReceiptStore(store), engineOpts...)

	server := bridge.NewServer(engine, registry, bridge.WithLogger(log))

	errCh := make(chan error, 1)
	go func() {
		log.Info("agentd listening", "addr", cfg.Listen, "db", cfg.Database)
		errCh <- server.Start(cfg.Listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
