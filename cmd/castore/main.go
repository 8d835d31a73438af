package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamscao/castore/internal/ca"
	"github.com/adamscao/castore/internal/certobj"
	"github.com/adamscao/castore/internal/config"
	"github.com/adamscao/castore/internal/db"
	"github.com/adamscao/castore/internal/db/repository"
	"github.com/adamscao/castore/internal/logging"
	"github.com/adamscao/castore/internal/policy"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath      string
	metricsTextfile string
)

var rootCmd = &cobra.Command{
	Use:   "castore",
	Short: "Certificate store and CA transaction engine",
	Long: "Administrative tool for a CA certificate store: accepts requests, issues and revokes\n" +
		"certificates, publishes CRLs and repairs interrupted work.",
	SilenceUsage: true,
	Version:      Version,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if metricsTextfile == "" {
			return nil
		}
		return prometheus.WriteToTextfile(metricsTextfile, prometheus.DefaultGatherer)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("castore %s (commit %s, built %s)\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "",
		"Write engine metrics in text exposition format to this file after the command")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the state one command runs with
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	conn    *db.Conn
	keyset  *repository.Keyset
	engine  *ca.Engine
	keyPair *ca.KeyPair
}

// openApp loads configuration and opens the store. withCA also loads the CA
// key pair, generating it on first use.
func openApp(ctx context.Context, withCA bool) (*app, error) {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logging.New(cfg.Logging, nil)

	opts := cfg.DBOptions()
	opts.Log = logging.Component(log, "db")
	conn, err := db.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.RunMigrations(ctx, conn, cfg.Database.CAStore); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	objects := certobj.NewX509Factory()
	keyset := repository.NewKeyset(conn, objects, repository.Options{
		CAStore:       cfg.Database.CAStore,
		MaxIterations: cfg.Limits.MaxIterations,
		MaxQuerySize:  cfg.Limits.MaxQuerySize,
		Log:           logging.Component(log, "repository"),
	})

	ca.RegisterMetrics()
	engine := ca.New(keyset, policy.NewValidator(cfg),
		ca.WithLogger(logging.Component(log, "engine")),
		ca.WithLimits(ca.Limits{
			MaxIterations: cfg.Limits.MaxIterations,
			MaxErrors:     cfg.Limits.MaxErrors,
			MaxCRLEntries: cfg.Limits.MaxCRLEntries,
			RequestMaxAge: cfg.GetRequestMaxAgeDuration(),
			CRLUpdate:     cfg.GetCRLUpdateDuration(),
		}),
	)

	a := &app{cfg: cfg, log: log, conn: conn, keyset: keyset, engine: engine}
	if withCA {
		a.keyPair, err = ca.LoadOrGenerateKeyPair(objects, cfg.CA.CertificatePath, cfg.CA.PrivateKeyPath, ca.KeyPairOptions{
			KeyType:  cfg.CA.KeyType,
			Subject:  cfg.CA.Subject,
			Validity: cfg.GetCAValidityDuration(),
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to load/generate CA key pair: %w", err)
		}
		log.WithField("key_type", a.keyPair.KeyType).Debug("CA key pair loaded")
	}
	return a, nil
}

func (a *app) Close() {
	if a.keyPair != nil {
		a.keyPair.Close()
	}
	a.conn.Close()
}

// writeOutput writes data to path, or stdout when path is empty or "-".
func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
