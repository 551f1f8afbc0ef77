// Package main provides the Deckify backend entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/adv-inn/Deckify/internal/agent"
	"github.com/adv-inn/Deckify/internal/auth"
	"github.com/adv-inn/Deckify/internal/core"
	httpserver "github.com/adv-inn/Deckify/internal/http"
	"github.com/adv-inn/Deckify/internal/reconcile"
	"github.com/adv-inn/Deckify/internal/spotify"
	"github.com/adv-inn/Deckify/internal/store"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "deckify",
	Short: "Deckify - Spotify Connect remote control for the Steam Deck",
	Long: `Deckify supervises a local librespot process, signs in to the Spotify Web API
via a QR-mediated OAuth PKCE flow, and serves a polling JSON API consumed by the
quick-access panel and the browser dashboard.`,
	RunE: runDeckify,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (empty logs to stderr only)")
	rootCmd.PersistentFlags().String("agent-binary", "", "librespot binary path")
	rootCmd.PersistentFlags().String("agent-backend", "", "librespot audio backend")
	rootCmd.PersistentFlags().String("pulse-server", "", "PULSE_SERVER value for the agent")
	rootCmd.PersistentFlags().String("oauth-host", "", "externally reachable host for the OAuth callback")
	rootCmd.PersistentFlags().Int("oauth-port", 0, "OAuth callback listener port")
	rootCmd.PersistentFlags().String("server-host", "", "API server bind host")
	rootCmd.PersistentFlags().Int("server-port", 0, "API server port")
	rootCmd.PersistentFlags().String("dashboard-dir", "", "built dashboard bundle directory")
	rootCmd.PersistentFlags().Bool("no-agent", false, "do not start the playback agent at boot")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("DECKIFY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(&config.Log)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	if v := viper.GetString("agent-binary"); v != "" {
		cfg.Agent.BinaryPath = v
	}
	if v := viper.GetString("agent-backend"); v != "" {
		cfg.Agent.Backend = v
	}
	if v := viper.GetString("pulse-server"); v != "" {
		cfg.Agent.PulseServer = v
	}

	cfg.OAuth.Host = viper.GetString("oauth-host")
	if v := viper.GetInt("oauth-port"); v != 0 {
		cfg.OAuth.Port = v
	}

	if v := viper.GetString("server-host"); v != "" {
		cfg.Server.Host = v
	}
	if v := viper.GetInt("server-port"); v != 0 {
		cfg.Server.Port = v
	}
	if v := viper.GetString("dashboard-dir"); v != "" {
		cfg.Server.DashboardDir = v
	}

	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.File = viper.GetString("log-file")

	return cfg
}

// buildLogger writes to stderr and, when a log file is configured, tees into a
// size-rotated file so the device's disk cannot fill up.
func buildLogger(cfg *core.LogConfig) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stderr),
			zapLevel,
		),
	}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotated),
			zapLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...))
}

func runDeckify(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting Deckify",
		zap.String("agent_binary", config.Agent.BinaryPath),
		zap.Int("server_port", config.Server.Port),
		zap.Int("oauth_port", config.OAuth.Port))

	settings := store.NewSettingsStore(config.Spotify.SettingsPath)
	hub := reconcile.NewHub()

	creds := auth.NewCredentialStore(config.Spotify.TokenPath)
	controller := auth.NewController(&config.OAuth, creds, settings, hub, logger.Named("auth"))

	supervisor := agent.NewSupervisor(&config.Agent, settings, controller, hub, logger.Named("agent"))

	spotifyClient := spotify.NewClient(&config.Spotify, controller, logger.Named("spotify"))

	reconciler := reconcile.NewReconciler(hub, logger.Named("reconcile"))
	poller := reconcile.NewPoller(spotifyClient, reconciler, controller, supervisor, supervisor.Events(), logger.Named("poller"))

	metrics := httpserver.NewMetrics()
	handlers := httpserver.NewHandlers(spotifyClient, reconciler, controller, supervisor, settings, poller, hub, metrics, logger.Named("http"))
	server := httpserver.NewServer(&config.Server, handlers, metrics, logger.Named("http"))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gCtx)
	})

	g.Go(func() error {
		return poller.Run(gCtx)
	})

	if !viper.GetBool("no-agent") {
		if err := supervisor.Start(ctx); err != nil {
			// A missing binary or lingering process is surfaced as status,
			// not a boot failure; the operator starts the agent later.
			logger.Warn("Agent not started at boot", zap.Error(err))
		}
	}

	logger.Info("Deckify started",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	err := g.Wait()

	if stopErr := supervisor.Stop(); stopErr != nil {
		logger.Warn("Failed to stop agent cleanly", zap.Error(stopErr))
	}
	controller.Cancel()

	if err != nil {
		logger.Error("Deckify stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Deckify stopped gracefully")
	return nil
}
