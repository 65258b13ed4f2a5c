package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WebsocketMessage is a server initiated message (events, hello).
type WebsocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebsocketRequest is a client command.
type WebsocketRequest struct {
	ID      string          `json:"id,omitempty"` // client generated, echoed in the reply
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. An absent payload leaves v as is.
func (r WebsocketRequest) Decode(v any) error {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// WebsocketResponse answers one WebsocketRequest.
type WebsocketResponse struct {
	ID      string `json:"id,omitempty"` // same as request ID
	Type    string `json:"type"`         // request type + "Response"
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

var errClientGone = errors.New("client disconnected")

// Client is one WebSocket connection. Writes go through a buffered queue
// drained by writePump; a client that stops reading is dropped.
type Client struct {
	ID         string
	RemoteAddr string

	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	logger    zerolog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, remoteAddr string, logger zerolog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:         id,
		RemoteAddr: remoteAddr,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		limiter:    rate.NewLimiter(CommandRateLimit, CommandBurst),
		logger:     logger.With().Str("client", id).Logger(),
		done:       make(chan struct{}),
	}
}

// Send queues v as JSON. It never blocks; a full queue drops the client.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn().Msg("send queue full, dropping client")
		c.Close()
		return errClientGone
	}
}

// Reply answers req: success with payload, or the error.
func (c *Client) Reply(req WebsocketRequest, payload any, err error) error {
	resp := WebsocketResponse{ID: req.ID, Type: req.Type + ResponseSuffix, Success: err == nil, Payload: payload}
	if err != nil {
		resp.Payload = nil
		resp.Error = err.Error()
	}
	return c.Send(resp)
}

// SendError sends a protocol level error not tied to a handler.
func (c *Client) SendError(requestID, code, message string) error {
	return c.Send(WebsocketResponse{
		ID:      requestID,
		Type:    WSMessageTypeError,
		Success: false,
		Error:   message,
		Payload: map[string]string{"code": code},
	})
}

// Close ends the connection once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop delivers text frames to handle until the connection fails.
func (c *Client) readLoop(handle func(data []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		if messageType == websocket.TextMessage {
			handle(data)
		}
	}
}
