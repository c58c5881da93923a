package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/stakeboard/server"
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stakeboard"
	}
	return filepath.Join(home, ".stakeboard")
}

func loadConfig(dataDir string) (server.Config, error) {
	v := viper.New()
	v.SetConfigName("stakeboardd")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	v.SetEnvPrefix("STAKEBOARD")
	v.AutomaticEnv()

	v.SetDefault("http_port", "8080")
	v.SetDefault("nats_url", "")
	v.SetDefault("debug_level", "info")
	v.SetDefault("signature_freshness", "2m")
	v.SetDefault("session_expiry", "12h")
	v.SetDefault("sweep_interval", "5s")
	v.SetDefault("strike_cap", 3)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file runs on defaults plus env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return server.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := server.Config{
		ServerDir:          dataDir,
		HTTPPort:           v.GetString("http_port"),
		NatsURL:            v.GetString("nats_url"),
		TokenSecret:        v.GetString("token_secret"),
		DebugLevel:         v.GetString("debug_level"),
		SignatureFreshness: v.GetDuration("signature_freshness"),
		SessionExpiry:      v.GetDuration("session_expiry"),
		SweepInterval:      v.GetDuration("sweep_interval"),
		StrikeCap:          v.GetInt("strike_cap"),
	}
	if cfg.TokenSecret == "" {
		return server.Config{}, fmt.Errorf("token_secret must be set in %s or STAKEBOARD_TOKEN_SECRET",
			filepath.Join(dataDir, "stakeboardd.yaml"))
	}
	return cfg, nil
}

func realMain() error {
	dataDir := flag.String("datadir", defaultDataDir(), "data directory")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	cfg, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}

	useStdout := true
	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(*dataDir, "logs", "stakeboardd.log"),
		DebugLevel:     cfg.DebugLevel,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
		UseStdout:      &useStdout,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	cfg.LogBackend = lb
	log := lb.Logger("Main")

	srv, err := server.NewServer(cfg, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("stakeboardd starting, data dir %s", *dataDir)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Infof("stakeboardd shut down")
	// Give file logs a moment to flush.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
