package server

import (
	"time"

	"github.com/dotside-studios/ntag-url-agent/buildinfo"
)

// mDNS service discovery
var (
	MDNSServiceType = "_nfc-agent._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// WebSocket message types. Every request type gets a reply of the same
// type with ResponseSuffix appended.
const (
	WSMessageTypeSetReadMode   = "setReadMode"
	WSMessageTypeSetWriteMode  = "setWriteMode"
	WSMessageTypeSetUpdateMode = "setUpdateMode"
	WSMessageTypeConfirmUpdate = "confirmUpdate"
	WSMessageTypeCancelUpdate  = "cancelUpdate"
	WSMessageTypeGetState      = "getState"
	WSMessageTypeEvent         = "event"
	WSMessageTypeHello         = "hello"
	WSMessageTypeError         = "error"

	ResponseSuffix = "Response"
)

// Error codes carried in error replies
const (
	ErrCodeParse       = "PARSE_ERROR"
	ErrCodeUnknownType = "UNKNOWN_TYPE"
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeInvalid     = "INVALID_REQUEST"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, PUT, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization, X-API-Secret"
)

// Rate limits: commands per connection, HTTP and upgrade requests per IP.
const (
	CommandRateLimit = 10
	CommandBurst     = 20
	IPRateLimit      = 20
	IPBurst          = 40
	IPLimiterTTL     = 10 * time.Minute
)

// WebSocket connection timing
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)
