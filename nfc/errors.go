package nfc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ebfe/scard"
)

// ErrorCode identifies a failure class for programmatic handling.
type ErrorCode int

const (
	// Page I/O errors (100-199)
	ErrCodeReadFailed ErrorCode = iota + 100
	ErrCodeWriteFailed
	ErrCodeNACKExhausted
	ErrCodeTransportFault
	ErrCodeTagRemoved
	ErrCodeInvalidData
	ErrCodeCapacityExceeded
	ErrCodeSilentReject
)

const (
	// Reader errors (200-299)
	ErrCodeReaderNotFound ErrorCode = iota + 200
	ErrCodeReaderUnavailable
)

// NFCError carries the code, the operation and, for page I/O, the page.
type NFCError struct {
	Code    ErrorCode
	Op      string // e.g. "WritePage", "WriteMessage"
	Page    int    // -1 when not page specific
	Message string
	Cause   error
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		if e.Page >= 0 {
			fmt.Fprintf(&sb, "(page %d)", e.Page)
		}
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

// ErrReaderNotFound is returned by OpenReader when no PC/SC reader exists.
var ErrReaderNotFound = &NFCError{Code: ErrCodeReaderNotFound, Page: -1, Message: "no NFC reader found"}

// Decode failure causes. Decode hides them; DecodeMessage returns them so
// the handler can log why a tag looked empty.
var (
	ErrNoTLV        = errors.New("no NDEF TLV found")
	ErrEmptyTLV     = errors.New("NDEF TLV has zero length")
	ErrMalformedTLV = errors.New("malformed NDEF TLV")
	ErrBadPayload   = errors.New("NDEF payload has no URI or text record")
)

// NewWriteError wraps a failed page write.
func NewWriteError(op string, page int, cause error) *NFCError {
	return &NFCError{Code: ErrCodeWriteFailed, Op: op, Page: page, Message: "write failed", Cause: cause}
}

// NewNACKError reports a page that kept answering 0x63.
func NewNACKError(page int, attempts int, sw uint16) *NFCError {
	return &NFCError{
		Code:    ErrCodeNACKExhausted,
		Op:      "WritePage",
		Page:    page,
		Message: fmt.Sprintf("tag NACK %04X after %d attempts", sw, attempts),
	}
}

// NewTransportError reports a transport fault that survived a reconnect.
func NewTransportError(op string, page int, cause error) *NFCError {
	return &NFCError{Code: ErrCodeTransportFault, Op: op, Page: page, Message: "transport fault", Cause: cause}
}

// NewTagRemovedError reports that the card left the field.
func NewTagRemovedError(op string, cause error) *NFCError {
	return &NFCError{Code: ErrCodeTagRemoved, Op: op, Page: -1, Message: "tag removed during operation", Cause: cause}
}

// NewSilentRejectError reports a message whose page writes were all
// acknowledged but which did not read back. got is what the tag holds.
func NewSilentRejectError(url, got string, cause error) *NFCError {
	msg := fmt.Sprintf("wrote %q but tag reads back %q", url, got)
	if got == "" {
		msg = fmt.Sprintf("wrote %q but tag reads back no URL", url)
	}
	return &NFCError{Code: ErrCodeSilentReject, Op: "WriteMessage", Page: -1, Message: msg, Cause: cause}
}

// NewInvalidDataError reports caller input that cannot go to the tag.
func NewInvalidDataError(op, format string, args ...any) *NFCError {
	return &NFCError{Code: ErrCodeInvalidData, Op: op, Page: -1, Message: fmt.Sprintf(format, args...)}
}

// GetErrorCode returns the code of an NFCError in the chain, or 0.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}

// IsNACKError reports an exhausted 0x63 retry loop.
func IsNACKError(err error) bool {
	return GetErrorCode(err) == ErrCodeNACKExhausted
}

// IsTagRemovedError reports that the card left the field mid operation.
func IsTagRemovedError(err error) bool {
	if err == nil {
		return false
	}
	if GetErrorCode(err) == ErrCodeTagRemoved {
		return true
	}
	if errors.Is(err, scard.ErrRemovedCard) || errors.Is(err, scard.ErrNoSmartcard) {
		return true
	}
	errLower := strings.ToLower(err.Error())
	return strings.Contains(errLower, "removed") ||
		strings.Contains(errLower, "no smart card")
}

// IsTransportFault reports errors that a reconnect can cure: antenna
// decoupling, T=1 framing errors and reset or unpowered cards.
func IsTransportFault(err error) bool {
	if err == nil {
		return false
	}
	switch GetErrorCode(err) {
	case ErrCodeTransportFault, ErrCodeTagRemoved:
		return true
	}
	if errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrUnpoweredCard) ||
		errors.Is(err, scard.ErrCommError) ||
		errors.Is(err, scard.ErrRemovedCard) {
		return true
	}

	errLower := strings.ToLower(err.Error())
	return strings.Contains(errLower, "t=1") ||
		strings.Contains(errLower, "transport") ||
		strings.Contains(errLower, "protocol") ||
		strings.Contains(errLower, "removed")
}
