package main

import (
	"context"
	"fmt"

	"fyne.io/systray"
	"github.com/atotto/clipboard"
	"github.com/rs/zerolog/log"

	"github.com/dotside-studios/ntag-url-agent/buildinfo"
	"github.com/dotside-studios/ntag-url-agent/nfc"
	"github.com/dotside-studios/ntag-url-agent/tls"
)

// SystrayApp is the tray front end: status, last tag, and quick mode
// switching for an operator without a browser open.
type SystrayApp struct {
	agent *Agent
	ctx   context.Context

	mStatus        *systray.MenuItem
	mReader        *systray.MenuItem
	mLastTag       *systray.MenuItem
	mServerURL     *systray.MenuItem
	mCopyServerURL *systray.MenuItem

	mModeMenu   *systray.MenuItem
	mReadMode   *systray.MenuItem
	mCopyMode   *systray.MenuItem
	mWriteClip  *systray.MenuItem
	mUpdateMode *systray.MenuItem

	mStart *systray.MenuItem
	mStop  *systray.MenuItem
	mQuit  *systray.MenuItem
}

// NewSystrayApp creates the tray application for agent.
func NewSystrayApp(agent *Agent) *SystrayApp {
	return &SystrayApp{agent: agent}
}

// Run blocks until the tray quits or ctx is cancelled.
func (s *SystrayApp) Run(ctx context.Context) {
	s.ctx = ctx
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(s.onReady, s.onExit)
}

func (s *SystrayApp) onReady() {
	s.setupUI()
	s.agent.OnEvent(s.onEvent)
	go s.handleMenuEvents()

	if err := s.agent.Start(s.ctx); err != nil {
		log.Error().Err(err).Msg("failed to start agent")
		s.updateStatus(statusFailed)
		s.mStart.Enable()
		return
	}
	s.updateStatus(statusRunning)
	s.mStop.Enable()
}

func (s *SystrayApp) onExit() {
	s.agent.Stop()
}

func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconIdle)
	systray.SetTooltip(buildinfo.DisplayName)

	s.mStatus = systray.AddMenuItem("Starting...", "Agent status")
	s.mStatus.Disable()
	s.mReader = systray.AddMenuItem("Reader: searching...", "PC/SC reader")
	s.mReader.Disable()
	s.mLastTag = systray.AddMenuItem("Last tag: none", "Most recent tag")
	s.mLastTag.Disable()

	systray.AddSeparator()

	s.mServerURL = systray.AddMenuItem("Server: not running", "WebSocket URL")
	s.mServerURL.Disable()
	s.mCopyServerURL = systray.AddMenuItem("  Copy server URL", "Copy the WebSocket URL to the clipboard")

	systray.AddSeparator()

	s.mModeMenu = systray.AddMenuItem("Mode: Read", "Change what the next tag does")
	s.mReadMode = s.mModeMenu.AddSubMenuItemCheckbox("Read", "Open read URLs", true)
	s.mCopyMode = s.mModeMenu.AddSubMenuItemCheckbox("Read and copy", "Copy read URLs to the clipboard", false)
	s.mWriteClip = s.mModeMenu.AddSubMenuItemCheckbox("Write clipboard URL", "Write the URL on the clipboard to the next tag", false)
	s.mUpdateMode = s.mModeMenu.AddSubMenuItemCheckbox("Update", "Migrate old tags to the new URL", false)

	systray.AddSeparator()

	s.mStart = systray.AddMenuItem("Start Agent", "Start the agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the agent")
	s.mStart.Disable()
	s.mStop.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")
}

func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mStart.ClickedCh:
			s.handleStartAgent()
		case <-s.mStop.ClickedCh:
			s.handleStopAgent()
		case <-s.mCopyServerURL.ClickedCh:
			if url := s.serverURL(); url != "" {
				if err := clipboard.WriteAll(url); err != nil {
					log.Warn().Err(err).Msg("failed to copy to clipboard")
				}
			}
		case <-s.mReadMode.ClickedCh:
			s.whenRunning(func() { s.agent.SetReadMode(false) })
		case <-s.mCopyMode.ClickedCh:
			s.whenRunning(func() { s.agent.SetReadMode(true) })
		case <-s.mWriteClip.ClickedCh:
			s.whenRunning(s.writeClipboardURL)
		case <-s.mUpdateMode.ClickedCh:
			s.whenRunning(s.agent.SetUpdateMode)
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
		s.refreshMode()
	}
}

func (s *SystrayApp) whenRunning(fn func()) {
	if !s.agent.Running() {
		return
	}
	fn()
}

func (s *SystrayApp) writeClipboardURL() {
	url, err := clipboard.ReadAll()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read clipboard")
		return
	}
	if err := s.agent.SetWriteMode(nfc.WriteOptions{URL: url}); err != nil {
		log.Warn().Err(err).Msg("write mode rejected")
		s.mStatus.SetTitle("Clipboard has no URL")
	}
}

func (s *SystrayApp) handleStartAgent() {
	if err := s.agent.Start(s.ctx); err != nil {
		s.updateStatus(statusFailed)
		return
	}
	s.updateStatus(statusRunning)
	s.mStart.Disable()
	s.mStop.Enable()
}

func (s *SystrayApp) handleStopAgent() {
	s.agent.Stop()
	s.updateStatus(statusStopped)
	s.mReader.SetTitle("Reader: stopped")
	s.mStop.Disable()
	s.mStart.Enable()
}

// onEvent runs on the agent's event goroutine.
func (s *SystrayApp) onEvent(ev nfc.Event) {
	switch ev.Type {
	case nfc.EventReaderStatus:
		if ev.Reader == nil {
			return
		}
		if ev.Reader.Connected {
			s.mReader.SetTitle("Reader: " + ev.Reader.Name)
			systray.SetIcon(iconConnected)
		} else {
			s.mReader.SetTitle("Reader: " + ev.Reader.Message)
			systray.SetIcon(iconError)
		}
	case nfc.EventTagRead, nfc.EventLockedTagWithURL, nfc.EventUpdateScanned:
		s.mLastTag.SetTitle(lastTagTitle(ev))
	case nfc.EventNoURL:
		s.mLastTag.SetTitle("Last tag: no URL")
	case nfc.EventWriteResult:
		if ev.Result != nil {
			s.mLastTag.SetTitle("Last tag: " + ev.Result.Summary())
		}
	case nfc.EventTagUpdated:
		if ev.Success {
			s.mLastTag.SetTitle("Last tag: updated to " + ev.NewURL)
		} else {
			s.mLastTag.SetTitle("Last tag: update failed")
		}
	case nfc.EventModeChanged:
		s.refreshMode()
	}
}

// lastTagTitle is the "Last tag" line for events that carry a URL.
func lastTagTitle(ev nfc.Event) string {
	switch ev.Type {
	case nfc.EventUpdateScanned:
		if ev.NewURL != "" {
			return fmt.Sprintf("Last tag: %s -> %s", ev.OriginalURL, ev.NewURL)
		}
		return "Last tag: " + ev.OriginalURL
	default:
		return "Last tag: " + ev.URL
	}
}

func (s *SystrayApp) refreshMode() {
	mode := s.agent.Mode()
	copyMode := s.agent.CopyMode()

	title := "Mode: Read"
	switch {
	case mode == nfc.ModeWrite:
		title = "Mode: Write"
	case mode == nfc.ModeUpdate:
		title = "Mode: Update"
	case copyMode:
		title = "Mode: Read and copy"
	}
	s.mModeMenu.SetTitle(title)

	setChecked(s.mReadMode, mode == nfc.ModeRead && !copyMode)
	setChecked(s.mCopyMode, mode == nfc.ModeRead && copyMode)
	setChecked(s.mWriteClip, mode == nfc.ModeWrite)
	setChecked(s.mUpdateMode, mode == nfc.ModeUpdate)
}

func setChecked(item *systray.MenuItem, checked bool) {
	if checked {
		item.Check()
	} else {
		item.Uncheck()
	}
}

type agentStatus string

const (
	statusRunning agentStatus = "Running"
	statusStopped agentStatus = "Stopped"
	statusFailed  agentStatus = "Failed to Start"
)

func (s *SystrayApp) updateStatus(status agentStatus) {
	s.mStatus.SetTitle(string(status))

	switch status {
	case statusRunning:
		systray.SetIcon(iconConnected)
		if url := s.serverURL(); url != "" {
			s.mServerURL.SetTitle("Server: " + url)
		}
	case statusFailed:
		systray.SetIcon(iconError)
		s.mServerURL.SetTitle("Server: not running")
	default:
		systray.SetIcon(iconIdle)
		s.mServerURL.SetTitle("Server: not running")
	}
}

func (s *SystrayApp) serverURL() string {
	host := "localhost"
	if ips, err := tls.GetLANIPs(); err == nil && len(ips) > 0 {
		host = ips[0]
	}
	return s.agent.ServerURL(host)
}
