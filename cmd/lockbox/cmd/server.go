package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/lockbox/config"
	"github.com/jmcleod/lockbox/internal/util"
)

// limiterSweepInterval is how often expired rate-limit state is dropped.
const limiterSweepInterval = 5 * time.Minute

var serverFlags struct {
	addr    string
	backend string
	dataDir string
	tlsCert string
	tlsKey  string
}

// loadConfig reads the environment and applies any flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = serverFlags.addr
	}
	if flags.Changed("backend") {
		cfg.Storage.Backend = serverFlags.backend
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = serverFlags.dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = serverFlags.tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = serverFlags.tlsKey
	}
	return cfg, cfg.Validate()
}

func tlsConfig(cfg config.Config, logger *slog.Logger) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert(cfg.RP.ID, "127.0.0.1", "::1")
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Warn("using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		tc, err := tlsConfig(cfg, logger)
		if err != nil {
			return err
		}
		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           a.handler,
			TLSConfig:         tc,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go a.api.SweepLimiters(ctx, limiterSweepInterval)

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started",
			slog.String("addr", cfg.Addr),
			slog.String("backend", cfg.Storage.Backend),
			slog.String("rp_id", cfg.RP.ID))

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// addStorageFlags registers the storage overrides shared by every command
// that opens the credential store.
func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverFlags.backend, "backend", config.BackendBolt, "Storage backend: memory, bbolt or postgres")
	cmd.Flags().StringVar(&serverFlags.dataDir, "data-dir", "./data", "Directory for the bbolt database")
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverFlags.addr, "addr", "a", ":8443", "Address to listen on")
	serverCmd.Flags().StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	addStorageFlags(serverCmd)
}
