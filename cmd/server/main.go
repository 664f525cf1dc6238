package main

import (
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/NicolasHaas/parley/pkg/auth"
	"github.com/NicolasHaas/parley/pkg/logging"
	"github.com/NicolasHaas/parley/pkg/server"
	"github.com/NicolasHaas/parley/pkg/store"
	"github.com/NicolasHaas/parley/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	configFile := flag.String("config", "", "YAML config file (flags override its values)")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "File store backend: "+store.BackendNames())
	flag.StringVar(&cfg.StoreDir, "store-dir", cfg.StoreDir, "Directory for the disk backend")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database file for the sqlite backend")
	flag.StringVar(&cfg.CredentialsFile, "credentials", cfg.CredentialsFile, "YAML credentials file (empty = built-in demo users)")
	flag.StringVar(&cfg.Wire, "wire", cfg.Wire, "Control message encoding: json or cbor")
	flag.DurationVar(&cfg.LoginTimeout, "login-timeout", cfg.LoginTimeout, "Max wait for a message before login")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Max wait for a message after login (0 = none)")
	flag.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "Per-read/write bound during transfers")
	flag.Int64Var(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Concurrent connection cap (0 = unlimited)")
	flag.Int64Var(&cfg.MaxUploadSize, "max-upload", cfg.MaxUploadSize, "Largest accepted upload in bytes (0 = unlimited)")

	hashUser := flag.String("hash-password", "", "Print a credentials entry for `user:password` and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: "+logging.FormatNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("parley-server"))
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *hashUser != "" {
		if err := printHashedEntry(*hashUser); err != nil {
			slog.Error("hash password", "err", err)
			os.Exit(1)
		}
		return
	}

	if *configFile != "" {
		// Re-apply explicit flags on top of the file.
		fileCfg := server.DefaultConfig()
		if err := server.LoadConfigFile(*configFile, &fileCfg); err != nil {
			slog.Error("load config", "err", err)
			os.Exit(1)
		}
		cfg = overlayFlags(fileCfg, cfg)
	}

	creds, err := loadCredentials(cfg.CredentialsFile)
	if err != nil {
		slog.Error("load credentials", "err", err)
		os.Exit(1)
	}

	files, err := openStore(cfg)
	if err != nil {
		slog.Error("open file store", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.Dependencies{Credentials: creds, Files: files})
	if err != nil {
		_ = files.Close()
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.Info("starting", "version", version.String())
	if err := srv.Run(); err != nil {
		_ = files.Close()
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// overlayFlags copies every flag the user set explicitly from flagCfg
// onto fileCfg.
func overlayFlags(fileCfg, flagCfg server.Config) server.Config {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			fileCfg.ListenAddr = flagCfg.ListenAddr
		case "metrics":
			fileCfg.MetricsAddr = flagCfg.MetricsAddr
		case "store":
			fileCfg.StoreBackend = flagCfg.StoreBackend
		case "store-dir":
			fileCfg.StoreDir = flagCfg.StoreDir
		case "db":
			fileCfg.DBPath = flagCfg.DBPath
		case "credentials":
			fileCfg.CredentialsFile = flagCfg.CredentialsFile
		case "wire":
			fileCfg.Wire = flagCfg.Wire
		case "login-timeout":
			fileCfg.LoginTimeout = flagCfg.LoginTimeout
		case "idle-timeout":
			fileCfg.IdleTimeout = flagCfg.IdleTimeout
		case "io-timeout":
			fileCfg.IOTimeout = flagCfg.IOTimeout
		case "max-connections":
			fileCfg.MaxConnections = flagCfg.MaxConnections
		case "max-upload":
			fileCfg.MaxUploadSize = flagCfg.MaxUploadSize
		}
	})
	return fileCfg
}

func loadCredentials(path string) (auth.Checker, error) {
	if path == "" {
		slog.Warn("no credentials file, using built-in demo accounts user1..user5")
		return auth.Default(), nil
	}
	st, err := auth.LoadFile(path)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded credentials", "path", path, "users", st.Len())
	return st, nil
}

func openStore(cfg server.Config) (store.FileStore, error) {
	switch cfg.StoreBackend {
	case "disk":
		return store.NewDisk(cfg.StoreDir)
	case "sqlite":
		return store.NewSQLite(cfg.DBPath)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (valid: %s)", cfg.StoreBackend, store.BackendNames())
	}
}
