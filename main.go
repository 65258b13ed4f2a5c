// Package main runs the NTAG URL agent: it watches a PC/SC reader, reads,
// writes and migrates URL tags, and exposes the tag machine to local
// clients over a WebSocket.
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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dotside-studios/ntag-url-agent/buildinfo"
	"github.com/dotside-studios/ntag-url-agent/nfc"
	"github.com/dotside-studios/ntag-url-agent/rewrite"
	"github.com/dotside-studios/ntag-url-agent/tls"
)

const (
	defaultPort     = 18080
	defaultDebugDir = "debug"
)

var (
	readerFlag    string
	portFlag      int
	cliFlag       bool
	apiSecretFlag string
	tlsFlag       bool
	settingsFlag  string
	logLevelFlag  string
	debugDirFlag  string
	noMDNSFlag    bool
	versionFlag   bool
)

func setupLogging(level string, console bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid -log-level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	if console {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func main() {
	flag.StringVar(&readerFlag, "reader", "", "PC/SC reader name or substring (default: prefer "+nfc.PreferredReader+")")
	flag.IntVar(&portFlag, "port", defaultPort, "Port for the WebSocket and HTTP API")
	flag.BoolVar(&cliFlag, "cli", false, "Run in CLI mode (default: system tray mode)")
	flag.StringVar(&apiSecretFlag, "api-secret", "", "Secret clients must present (optional)")
	flag.BoolVar(&tlsFlag, "tls", false, "Serve wss:// with a locally trusted certificate")
	flag.StringVar(&settingsFlag, "settings", "", "Settings file (default: user config dir)")
	flag.StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&debugDirFlag, "debug-dir", defaultDebugDir, "Directory for the failed-write trace, \"\" disables it")
	flag.BoolVar(&noMDNSFlag, "no-mdns", false, "Do not advertise the agent over mDNS")
	flag.BoolVar(&versionFlag, "version", false, "Print version information and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	if err := setupLogging(logLevelFlag, true); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log.Info().Str("version", buildinfo.FullVersion()).Bool("dev", buildinfo.IsDev()).Msg("starting " + buildinfo.DisplayName)

	settingsPath := settingsFlag
	if settingsPath == "" {
		p, err := rewrite.DefaultSettingsPath(buildinfo.DirName)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot locate settings")
		}
		settingsPath = p
	}

	settings, err := rewrite.LoadSettings(settingsPath)
	if err != nil {
		log.Warn().Err(err).Str("path", settingsPath).Msg("using default settings")
	}
	log.Info().Str("path", settingsPath).Str("pattern", settings.SourcePattern).Msg("settings loaded")

	cfg := AgentConfig{
		ReaderName:   readerFlag,
		Port:         portFlag,
		APISecret:    apiSecretFlag,
		SettingsPath: settingsPath,
		DebugDir:     debugDirFlag,
		EnableMDNS:   !noMDNSFlag,
	}

	if tlsFlag {
		mgr := tls.NewManager(filepath.Dir(settingsPath), log.Logger)
		certFile, keyFile, err := mgr.EnsureCertificates()
		if err != nil {
			log.Fatal().Err(err).Msg("TLS setup failed")
		}
		cfg.CertFile, cfg.KeyFile = certFile, keyFile
	}

	agent := NewAgent(cfg, settings, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cliFlag {
		if err := agent.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start agent")
		}
		<-ctx.Done()
		log.Info().Msg("shutdown signal received")
		agent.Stop()
		return
	}

	NewSystrayApp(agent).Run(ctx)
}
