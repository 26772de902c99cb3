package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudx-io/agentmarket/events"
	"github.com/cloudx-io/agentmarket/market"
	"github.com/cloudx-io/agentmarket/validation"
)

const daemonName = "marketd"

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:          daemonName,
	Short:        "marketd runs the agent resource market",
	Long:         "marketd validates agent bids, runs auctions and matches counterparts, serving JSON requests over TCP or vsock.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(v)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func init() {
	if err := configureCLI(v, flags, rootCmd); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	policy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	validatorOpts := []validation.Option{validation.WithLogger(logger)}
	if cfg.AgentKeys != "" {
		keys, err := loadKeyRing(cfg.AgentKeys)
		if err != nil {
			return err
		}
		validatorOpts = append(validatorOpts, validation.WithSignatures(validation.NewSignatureValidator(keys)))
	}
	if cfg.AdmissionPolicy != "" {
		module, err := os.ReadFile(cfg.AdmissionPolicy)
		if err != nil {
			return fmt.Errorf("reading admission policy: %w", err)
		}
		rego, err := validation.NewRegoPolicy(ctx, string(module))
		if err != nil {
			return err
		}
		validatorOpts = append(validatorOpts, validation.WithAdmissionPolicy(rego))
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}()

	sinks := []events.Sink{events.NewLogSink(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, events.NewPublisher(daemonName,
			events.WithDefaultEndpoint(cfg.WebhookURL),
			events.WithPublisherLogger(logger)))
	}

	metrics := market.NopMetrics()
	if cfg.MetricsAddr != "" {
		metrics = market.PrometheusMetrics("agentmarket")
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	coordOpts := []market.Option{
		market.WithLogger(logger),
		market.WithMetrics(metrics),
		market.WithEventSink(events.Multi(sinks...)),
		market.WithStore(st),
		market.WithSweepInterval(cfg.SweepInterval),
	}
	var serverOpts []ServerOption
	if cfg.SealedBids {
		km, err := NewKeyManager()
		if err != nil {
			return fmt.Errorf("failed to initialize key manager: %w", err)
		}
		serverOpts = append(serverOpts, WithKeyManager(km))
		logger.Info().Msg("sealed bid key initialized")
	}
	if cfg.Attest {
		attester, err := getEnclaveAttester()
		if err != nil {
			logger.Error().Err(err).Msg("receipt attestation disabled")
		} else {
			coordOpts = append(coordOpts, market.WithReceiptAttester(NewNitroAttester(attester, logger)))
			serverOpts = append(serverOpts, WithKeyAttester(attester))
		}
	}
	coord := market.New(validation.NewValidator(policy, validatorOpts...), coordOpts...)
	defer coord.Close()

	go func() {
		if err := coord.Run(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("expiry sweeper stopped")
		}
	}()

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	return NewMarketServer(coord, logger, cfg.MaxWorkers, cfg.ReadTimeout, serverOpts...).Serve(ctx, ln)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
