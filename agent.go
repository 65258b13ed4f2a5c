package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
	"github.com/dotside-studios/ntag-url-agent/nfc"
	"github.com/dotside-studios/ntag-url-agent/rewrite"
	"github.com/dotside-studios/ntag-url-agent/server"
)

// AgentConfig is the command line configuration of the agent.
type AgentConfig struct {
	ReaderName   string
	Port         int // <= 0 runs without the network surface
	APISecret    string
	SettingsPath string
	DebugDir     string
	EnableMDNS   bool
	CertFile     string
	KeyFile      string

	// Clock defaults to the wall clock.
	Clock nfc.Clock
}

// Agent wires the reader, the tag machine and the server together and
// reacts to machine events on behalf of the desktop: clipboard, browser
// and the tray.
type Agent struct {
	cfg    AgentConfig
	logger zerolog.Logger

	machine *nfc.Machine
	server  *server.Server

	settings   rewrite.Settings
	settingsMu syncutil.RWMutex

	copyURL atomic.Bool

	// openSource, copyText and openURL touch the desktop or hardware.
	openSource func(name string) (nfc.CardSource, error)
	copyText   func(text string) error
	openURL    func(url string) error

	listenersMu syncutil.Mutex
	listeners   []func(nfc.Event)

	mu     syncutil.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent builds an agent around the loaded settings. Nothing runs until
// Start.
func NewAgent(cfg AgentConfig, settings rewrite.Settings, logger zerolog.Logger) *Agent {
	a := &Agent{
		cfg:      cfg,
		logger:   logger.With().Str("component", "agent").Logger(),
		settings: settings,
		copyText: clipboard.WriteAll,
		openURL:  openBrowser,
	}
	a.openSource = func(name string) (nfc.CardSource, error) {
		r, err := nfc.OpenReader(name, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	var trace *nfc.WriteTrace
	if cfg.DebugDir != "" {
		trace = nfc.NewWriteTrace(cfg.DebugDir)
	}
	a.machine = nfc.NewMachine(nfc.MachineConfig{
		Clock:  cfg.Clock,
		Trace:  trace,
		Logger: logger,
		Rule:   settings.Rule(),
	})
	return a
}

// OnEvent registers fn to see every machine event after the agent has
// acted on it. fn runs on the event goroutine and must not block.
func (a *Agent) OnEvent(fn func(nfc.Event)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Running reports whether Start has been called without a matching Stop.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// Start launches the event pump, the reader loop and the server.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("agent is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.pumpEvents(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.runReader(ctx)
	}()

	if a.cfg.Port > 0 {
		a.server = server.New(server.Config{
			Port:       a.cfg.Port,
			APISecret:  a.cfg.APISecret,
			Controller: a,
			Settings:   a,
			Logger:     a.logger,
			EnableMDNS: a.cfg.EnableMDNS,
			CertFile:   a.cfg.CertFile,
			KeyFile:    a.cfg.KeyFile,
		})
		srv := a.server
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := srv.Start(ctx); err != nil {
				a.logger.Error().Err(err).Msg("server stopped")
			}
		}()
	}

	a.logger.Info().Str("reader", a.cfg.ReaderName).Int("port", a.cfg.Port).Msg("agent started")
	return nil
}

// Stop shuts everything down and waits for the tag in hand to finish.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		a.logger.Debug().Msg("agent is not running")
		return
	}

	a.logger.Info().Msg("stopping agent")
	cancel()
	a.wg.Wait()
	a.mu.Lock()
	a.server = nil
	a.mu.Unlock()
	a.logger.Info().Msg("agent stopped")
}

// runReader opens the reader, retrying until one shows up, and runs the
// monitor on it.
func (a *Agent) runReader(ctx context.Context) {
	for {
		source, err := a.openSource(a.cfg.ReaderName)
		if err != nil {
			a.logger.Warn().Err(err).Msg("no reader")
			a.machine.PublishReaderStatus(nfc.ReaderStatus{Name: a.cfg.ReaderName, Message: err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-a.clock().After(nfc.ReaderRetryInterval):
				continue
			}
		}

		// Stop cancels a PC/SC wait that is blocked in the driver.
		mon := nfc.NewMonitor(source, a.machine, a.cfg.Clock, a.logger)
		mon.Start(ctx)
		<-ctx.Done()
		mon.Stop()

		if c, ok := source.(io.Closer); ok {
			c.Close()
		}
		a.machine.PublishReaderStatus(nfc.ReaderStatus{Name: source.Name(), Message: "Reader released"})
		return
	}
}

func (a *Agent) clock() nfc.Clock {
	if a.cfg.Clock != nil {
		return a.cfg.Clock
	}
	return nfc.NewRealClock()
}

// pumpEvents is the single consumer of the machine's event stream.
func (a *Agent) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.machine.Events():
			a.handleEvent(ev)
		}
	}
}

func (a *Agent) handleEvent(ev nfc.Event) {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv != nil {
		srv.BroadcastEvent(ev)
	}

	settings := a.Settings()
	switch ev.Type {
	case nfc.EventTagRead:
		a.logger.Info().Str("uid", ev.TagUID).Str("url", ev.URL).Msg("tag read")
		if a.copyURL.Load() {
			if err := a.copyText(ev.URL); err != nil {
				a.logger.Warn().Err(err).Msg("failed to copy URL")
			} else {
				a.logger.Info().Msg("URL copied to clipboard")
			}
		} else if settings.AutoOpenBrowser {
			a.open(ev.URL)
		}

	case nfc.EventLockedTagWithURL:
		a.logger.Warn().Str("uid", ev.TagUID).Str("url", ev.URL).Msg("locked tag presented in write mode")
		if settings.OpenLockedTagURL {
			a.open(ev.URL)
			// The machine emits modeChanged, which needs this goroutine free.
			go a.machine.SetReadMode()
		}

	case nfc.EventWriteResult:
		if ev.Result != nil {
			a.logger.Info().Str("uid", ev.TagUID).Str("outcome", ev.Result.Outcome.String()).Msg(ev.Result.Summary())
		}

	case nfc.EventLog:
		logAt(a.logger, ev.Level).Msg(ev.Message)
	}

	a.listenersMu.Lock()
	listeners := append([]func(nfc.Event){}, a.listeners...)
	a.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func logAt(logger zerolog.Logger, level nfc.LogLevel) *zerolog.Event {
	switch level {
	case nfc.LevelError:
		return logger.Error()
	case nfc.LevelWarning:
		return logger.Warn()
	default:
		return logger.Info()
	}
}

func (a *Agent) open(url string) {
	if url == "" {
		return
	}
	if err := a.openURL(url); err != nil {
		a.logger.Warn().Err(err).Str("url", url).Msg("failed to open browser")
	}
}

// State implements server.Controller.
func (a *Agent) State() nfc.State {
	return a.machine.State()
}

// Mode returns the machine's current mode.
func (a *Agent) Mode() nfc.Mode {
	return a.machine.Mode()
}

// CopyMode reports whether read URLs go to the clipboard.
func (a *Agent) CopyMode() bool {
	return a.copyURL.Load()
}

// SetReadMode implements server.Controller. copyURL sends every read URL
// to the clipboard instead of the browser.
func (a *Agent) SetReadMode(copyURL bool) {
	a.copyURL.Store(copyURL)
	a.machine.SetReadMode()
}

// SetWriteMode implements server.Controller. The settings decide how a
// lock request is honoured and supply the password when the request
// carries none.
func (a *Agent) SetWriteMode(opts nfc.WriteOptions) error {
	opts = a.applySettings(opts)
	a.copyURL.Store(false)
	return a.machine.SetWriteMode(opts)
}

func (a *Agent) applySettings(opts nfc.WriteOptions) nfc.WriteOptions {
	s := a.Settings()
	if s.VerifyAfterWrite {
		opts.VerifyAfterWrite = true
	}
	if opts.LockAfterWrite && s.UsePasswordProtection {
		opts.LockAfterWrite = false
		opts.UsePassword = true
	}
	if opts.UsePassword && opts.Password == "" {
		opts.Password = s.TagPassword
	}
	return opts
}

// SetUpdateMode implements server.Controller.
func (a *Agent) SetUpdateMode() {
	a.copyURL.Store(false)
	a.machine.SetUpdateMode()
}

// ConfirmUpdate implements server.Controller.
func (a *Agent) ConfirmUpdate(original, target string) error {
	return a.machine.ConfirmUpdate(original, target)
}

// CancelPendingUpdate implements server.Controller.
func (a *Agent) CancelPendingUpdate() {
	a.machine.CancelPendingUpdate()
}

// Settings implements server.SettingsStore.
func (a *Agent) Settings() rewrite.Settings {
	a.settingsMu.RLock()
	defer a.settingsMu.RUnlock()
	return a.settings
}

// UpdateSettings implements server.SettingsStore: validate, persist, then
// hand the new rule to the machine.
func (a *Agent) UpdateSettings(s rewrite.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if a.cfg.SettingsPath != "" {
		if err := rewrite.SaveSettings(a.cfg.SettingsPath, s); err != nil {
			return err
		}
	}

	a.settingsMu.Lock()
	a.settings = s
	a.settingsMu.Unlock()

	a.machine.SetRewriteRule(s.Rule())
	a.logger.Info().Str("pattern", s.SourcePattern).Str("target", s.TargetBaseURL).Msg("settings updated")
	return nil
}

// ServerURL is the WebSocket address shown in the tray.
func (a *Agent) ServerURL(host string) string {
	if a.cfg.Port <= 0 {
		return ""
	}
	scheme := "ws"
	if a.cfg.CertFile != "" && a.cfg.KeyFile != "" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, host, a.cfg.Port)
}

// openBrowser hands url to the desktop's default handler.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
