package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gregtusar/ltvbot/api"
	"github.com/gregtusar/ltvbot/internal/config"
	"github.com/gregtusar/ltvbot/pkg/binance"
	"github.com/gregtusar/ltvbot/pkg/logging"
	"github.com/gregtusar/ltvbot/pkg/trader"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dryRun  bool
	logger  *logrus.Logger
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ltv-rebalancer",
		Short: "Binance flexible loan LTV rebalancer",
		Long: `Monitors Binance flexible loan positions and keeps their loan-to-value
ratios inside a band, swapping collateral between positions when their LTVs drift apart.`,
		RunE:         runRebalancer,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log decisions without placing orders or adjusting collateral")

	rootCmd.AddCommand(newPositionsCmd(), newPlanCmd(), newTokenCmd())
	return rootCmd
}

// setup loads configuration and builds the process logger from it.
func setup() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err = logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, nil
}

func runRebalancer(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if dryRun {
		cfg.Trading.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("Invalid configuration")
		return err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := binance.NewClient(cfg.ClientConfig(), logger)
	swapper := trader.NewSwapExecutor(client, cfg.Trading.QuoteAsset, policy.MaxSlippage, logger)
	monitor := trader.NewMonitor(client, swapper, cfg.MonitorOptions(policy), logger)

	if cfg.Server.Enabled {
		var auth *api.TokenAuth
		if cfg.Server.AuthSecret != "" {
			auth = api.NewTokenAuth(cfg.Server.AuthSecret, cfg.Server.TokenTTL)
		} else {
			logger.Warn("server.auth_secret is not set, control endpoints are unauthenticated")
		}
		apiServer := api.NewServer(monitor, client, auth, logger, strconv.Itoa(cfg.Server.Port), cfg.Environment)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.WithError(err).Error("API server stopped")
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"upper":       policy.LTVUpperBound.String(),
		"lower":       policy.LTVLowerBound.String(),
		"spread":      policy.SpreadThreshold.String(),
	}).Info("LTV rebalancer is running. Press Ctrl+C to stop.")

	if err := monitor.Run(ctx); err != nil {
		if errors.Is(err, trader.ErrAuthHalted) {
			logger.Error("Check the Binance API key and secret")
		}
		return err
	}

	logger.Info("LTV rebalancer stopped")
	return nil
}
