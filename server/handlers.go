package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/ntag-url-agent/nfc"
	"github.com/dotside-studios/ntag-url-agent/rewrite"
)

// Controller is the agent as seen from the network: mode transitions and
// a state snapshot.
type Controller interface {
	State() nfc.State
	SetReadMode(copyURL bool)
	SetWriteMode(opts nfc.WriteOptions) error
	SetUpdateMode()
	ConfirmUpdate(original, target string) error
	CancelPendingUpdate()
}

// SettingsStore reads and persists the agent settings.
type SettingsStore interface {
	Settings() rewrite.Settings
	UpdateSettings(s rewrite.Settings) error
}

// ModeHandler exposes the mode transitions over the WebSocket.
type ModeHandler struct {
	controller Controller
	logger     zerolog.Logger
}

// NewModeHandler creates the handler group.
func NewModeHandler(controller Controller, logger zerolog.Logger) *ModeHandler {
	return &ModeHandler{controller: controller, logger: logger}
}

// Register implements ServerHandler.
func (h *ModeHandler) Register(server HandlerServer) {
	server.Handle(WSMessageTypeSetReadMode, h.handleSetReadMode)
	server.Handle(WSMessageTypeSetWriteMode, h.handleSetWriteMode)
	server.Handle(WSMessageTypeSetUpdateMode, h.handleSetUpdateMode)
	server.Handle(WSMessageTypeConfirmUpdate, h.handleConfirmUpdate)
	server.Handle(WSMessageTypeCancelUpdate, h.handleCancelUpdate)
	server.Handle(WSMessageTypeGetState, h.handleGetState)
}

type readModeRequest struct {
	Copy bool `json:"copy"`
}

type confirmUpdateRequest struct {
	Original string `json:"original"`
	Target   string `json:"target"`
}

// invalidPayload answers a request whose payload does not decode.
func invalidPayload(client *Client, req WebsocketRequest, err error) error {
	return client.SendError(req.ID, ErrCodeInvalid, fmt.Sprintf("invalid payload: %v", err))
}

func (h *ModeHandler) handleSetReadMode(ctx context.Context, client *Client, req WebsocketRequest) error {
	var body readModeRequest
	if err := req.Decode(&body); err != nil {
		return invalidPayload(client, req, err)
	}
	h.controller.SetReadMode(body.Copy)
	return client.Reply(req, h.controller.State(), nil)
}

func (h *ModeHandler) handleSetWriteMode(ctx context.Context, client *Client, req WebsocketRequest) error {
	var opts nfc.WriteOptions
	if err := req.Decode(&opts); err != nil {
		return invalidPayload(client, req, err)
	}
	if err := h.controller.SetWriteMode(opts); err != nil {
		h.logger.Debug().Err(err).Msg("write mode rejected")
		return client.Reply(req, nil, err)
	}
	return client.Reply(req, h.controller.State(), nil)
}

func (h *ModeHandler) handleSetUpdateMode(ctx context.Context, client *Client, req WebsocketRequest) error {
	h.controller.SetUpdateMode()
	return client.Reply(req, h.controller.State(), nil)
}

func (h *ModeHandler) handleConfirmUpdate(ctx context.Context, client *Client, req WebsocketRequest) error {
	var body confirmUpdateRequest
	if err := req.Decode(&body); err != nil {
		return invalidPayload(client, req, err)
	}
	if err := h.controller.ConfirmUpdate(body.Original, body.Target); err != nil {
		return client.Reply(req, nil, err)
	}
	return client.Reply(req, h.controller.State(), nil)
}

func (h *ModeHandler) handleCancelUpdate(ctx context.Context, client *Client, req WebsocketRequest) error {
	h.controller.CancelPendingUpdate()
	return client.Reply(req, h.controller.State(), nil)
}

func (h *ModeHandler) handleGetState(ctx context.Context, client *Client, req WebsocketRequest) error {
	return client.Reply(req, h.controller.State(), nil)
}
