package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudx-io/agentmarket/store"
	"github.com/cloudx-io/agentmarket/validation"
)

const envPrefix = "MARKETD"

// Flag describes a configuration flag.
type Flag struct {
	Name        string
	DefValue    any
	Description string
}

var flags = []Flag{
	{Name: "listen", DefValue: ":5000", Description: "TCP listen address"},
	{Name: "vsock-port", DefValue: 0, Description: "vsock port; a positive value listens on vsock instead of TCP"},
	{Name: "max-workers", DefValue: 64, Description: "Maximum concurrently handled connections"},
	{Name: "read-timeout", DefValue: 30 * time.Second, Description: "Per-connection request read deadline"},
	{Name: "sweep-interval", DefValue: time.Minute, Description: "Interval between expired bid sweeps"},
	{Name: "store", DefValue: "memory", Description: "Persistence backend: memory, sqlite or mongo"},
	{Name: "sqlite-dsn", DefValue: "marketd.db", Description: "SQLite data source name"},
	{Name: "mongo-uri", DefValue: "", Description: "MongoDB connection URI"},
	{Name: "mongo-db", DefValue: "agentmarket", Description: "MongoDB database name"},
	{Name: "webhook-url", DefValue: "", Description: "Default webhook endpoint for market events"},
	{Name: "metrics-addr", DefValue: "", Description: "Prometheus listen address; empty disables /metrics"},
	{Name: "policy-file", DefValue: "", Description: "Market policy file (json, yaml or toml)"},
	{Name: "admission-policy", DefValue: "", Description: "Rego module evaluated as the admission stage"},
	{Name: "agent-keys", DefValue: "", Description: "Directory of <agent-id>.pem verification keys"},
	{Name: "attest", DefValue: false, Description: "Attest transaction receipts with the Nitro Security Module"},
	{Name: "sealed-bids", DefValue: false, Description: "Accept bids sealed to an ephemeral RSA market key"},
	{Name: "log-level", DefValue: "info", Description: "Log level: debug, info, warn or error"},
	{Name: "log-format", DefValue: "console", Description: "Log format: console or json"},
}

// configureCLI binds flags and MARKETD_* environment variables into v.
func configureCLI(v *viper.Viper, flags []Flag, cmd *cobra.Command) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for _, flag := range flags {
		switch defval := flag.DefValue.(type) {
		case string:
			cmd.Flags().String(flag.Name, defval, flag.Description)
		case bool:
			cmd.Flags().Bool(flag.Name, defval, flag.Description)
		case int:
			cmd.Flags().Int(flag.Name, defval, flag.Description)
		case time.Duration:
			cmd.Flags().Duration(flag.Name, defval, flag.Description)
		default:
			return fmt.Errorf("unknown flag type: %T", flag.DefValue)
		}
		v.SetDefault(flag.Name, flag.DefValue)
		if err := v.BindPFlag(flag.Name, cmd.Flags().Lookup(flag.Name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", flag.Name, err)
		}
	}
	return nil
}

// Config is the resolved daemon configuration.
type Config struct {
	Listen          string
	VsockPort       uint32
	MaxWorkers      int
	ReadTimeout     time.Duration
	SweepInterval   time.Duration
	Store           string
	SQLiteDSN       string
	MongoURI        string
	MongoDB         string
	WebhookURL      string
	MetricsAddr     string
	PolicyFile      string
	AdmissionPolicy string
	AgentKeys       string
	Attest          bool
	SealedBids      bool
	LogLevel        string
	LogFormat       string
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Listen:          v.GetString("listen"),
		MaxWorkers:      v.GetInt("max-workers"),
		ReadTimeout:     v.GetDuration("read-timeout"),
		SweepInterval:   v.GetDuration("sweep-interval"),
		Store:           v.GetString("store"),
		SQLiteDSN:       v.GetString("sqlite-dsn"),
		MongoURI:        v.GetString("mongo-uri"),
		MongoDB:         v.GetString("mongo-db"),
		WebhookURL:      v.GetString("webhook-url"),
		MetricsAddr:     v.GetString("metrics-addr"),
		PolicyFile:      v.GetString("policy-file"),
		AdmissionPolicy: v.GetString("admission-policy"),
		AgentKeys:       v.GetString("agent-keys"),
		Attest:          v.GetBool("attest"),
		SealedBids:      v.GetBool("sealed-bids"),
		LogLevel:        v.GetString("log-level"),
		LogFormat:       v.GetString("log-format"),
	}
	port := v.GetInt("vsock-port")
	if port < 0 {
		return cfg, fmt.Errorf("invalid vsock-port %d", port)
	}
	cfg.VsockPort = uint32(port)
	if cfg.MaxWorkers <= 0 {
		return cfg, fmt.Errorf("max-workers must be positive, got %d", cfg.MaxWorkers)
	}
	if cfg.SweepInterval <= 0 {
		return cfg, fmt.Errorf("sweep-interval must be positive, got %s", cfg.SweepInterval)
	}
	switch cfg.Store {
	case "memory", "sqlite", "mongo":
	default:
		return cfg, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.Store == "mongo" && cfg.MongoURI == "" {
		return cfg, fmt.Errorf("mongo store requires mongo-uri")
	}
	return cfg, nil
}

// loadPolicy reads the market policy file. An empty path yields the
// permissive zero policy.
func loadPolicy(path string) (validation.MarketPolicy, error) {
	var policy validation.MarketPolicy
	if path == "" {
		return policy, nil
	}
	pv := viper.New()
	pv.SetConfigFile(path)
	if err := pv.ReadInConfig(); err != nil {
		return policy, fmt.Errorf("reading policy %s: %w", path, err)
	}
	if err := pv.Unmarshal(&policy); err != nil {
		return policy, fmt.Errorf("decoding policy %s: %w", path, err)
	}
	return policy, nil
}

// loadKeyRing registers every <agent-id>.pem public key found in dir.
func loadKeyRing(dir string) (*validation.KeyRing, error) {
	keys := validation.NewKeyRing()
	paths, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		agentID := strings.TrimSuffix(filepath.Base(path), ".pem")
		if err := keys.RegisterPEM(agentID, pemBytes); err != nil {
			return nil, fmt.Errorf("registering key for %s: %w", agentID, err)
		}
	}
	return keys, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Store {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLiteDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo":
		s, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func newLogger(level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parsing log level: %w", err)
	}
	var logger zerolog.Logger
	switch format {
	case "json":
		logger = zerolog.New(os.Stderr)
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return logger.Level(lvl).With().Timestamp().Str("service", daemonName).Logger(), nil
}
