package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/ntag-url-agent/nfc"
	"github.com/dotside-studios/ntag-url-agent/rewrite"
)

// fakeController drives a real machine; only copy mode is its own.
type fakeController struct {
	*nfc.Machine
	copyURL atomic.Bool
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	m := nfc.NewMachine(nfc.MachineConfig{
		Clock:  nfc.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.Events():
			}
		}
	}()
	return &fakeController{Machine: m}
}

func (f *fakeController) SetReadMode(copyURL bool) {
	f.copyURL.Store(copyURL)
	f.Machine.SetReadMode()
}

type fakeSettings struct {
	mu       sync.Mutex
	settings rewrite.Settings
	saves    int
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{settings: rewrite.DefaultSettings()}
}

func (f *fakeSettings) Settings() rewrite.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeSettings) UpdateSettings(s rewrite.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	f.saves++
	return nil
}

func (f *fakeSettings) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type testEnv struct {
	server     *Server
	http       *httptest.Server
	controller *fakeController
	settings   *fakeSettings
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	env := &testEnv{
		controller: newFakeController(t),
		settings:   newFakeSettings(),
	}
	env.server = New(Config{
		APISecret:  secret,
		Controller: env.controller,
		Settings:   env.settings,
		Logger:     zerolog.Nop(),
	})
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		env.server.Stop()
		env.http.Close()
	})
	return env
}

func (e *testEnv) wsURL(secret string) string {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	if secret != "" {
		u += "?secret=" + secret
	}
	return u
}

// wireMessage covers every server to client frame.
type wireMessage struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

func (e *testEnv) dial(t *testing.T, secret string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(secret), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	hello := readMessage(t, conn)
	require.Equal(t, WSMessageTypeHello, hello.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func request(t *testing.T, conn *websocket.Conn, id, msgType string, payload any) wireMessage {
	t.Helper()
	req := map[string]any{"id": id, "type": msgType}
	if payload != nil {
		req["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(req))
	return readMessage(t, conn)
}
