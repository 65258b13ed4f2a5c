package nfc

import (
	"fmt"
	"strings"
)

// WriteOutcome classifies what happened to one write attempt.
type WriteOutcome int

const (
	// OutcomeSuccess: the URL landed and read back intact.
	OutcomeSuccess WriteOutcome = iota
	// OutcomeBlockedExistingData: the tag already held a message and
	// overwriting was not allowed. The tag was not touched.
	OutcomeBlockedExistingData
	// OutcomeLockedTagDetected: the lock bytes were set before writing and
	// no readable URL was found.
	OutcomeLockedTagDetected
	// OutcomeLockedWritePrevented: every page write was acknowledged but
	// the read-back did not match, the signature of a locked or worn tag.
	OutcomeLockedWritePrevented
	// OutcomeWriteFailed: a page write was refused.
	OutcomeWriteFailed
	// OutcomeCommunicationError: the tag left the field or the transport
	// failed even after a reconnect.
	OutcomeCommunicationError
)

var outcomeNames = map[WriteOutcome]string{
	OutcomeSuccess:              "success",
	OutcomeBlockedExistingData:  "blockedExistingData",
	OutcomeLockedTagDetected:    "lockedTagDetected",
	OutcomeLockedWritePrevented: "lockedWritePrevented",
	OutcomeWriteFailed:          "writeFailed",
	OutcomeCommunicationError:   "communicationError",
}

func (o WriteOutcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("WriteOutcome(%d)", int(o))
}

func (o WriteOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *WriteOutcome) UnmarshalText(text []byte) error {
	for k, v := range outcomeNames {
		if v == string(text) {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("unknown write outcome %q", text)
}

// BatchProgress counts confirmed writes against the requested batch size.
type BatchProgress struct {
	Count int `json:"count"`
	Total int `json:"total"`
}

// Done reports whether the batch has been fully written.
func (b BatchProgress) Done() bool {
	return b.Count >= b.Total
}

// WriteResult is the structured result of a write (or an update's write
// step). The sub-step flags are only meaningful on OutcomeSuccess.
type WriteResult struct {
	Outcome       WriteOutcome   `json:"outcome"`
	URL           string         `json:"url"`
	ExistingURL   string         `json:"existingUrl,omitempty"`
	Locked        bool           `json:"locked"`
	LockFailed    bool           `json:"lockFailed,omitempty"`
	Protected     bool           `json:"protected"`
	ProtectFailed bool           `json:"protectFailed,omitempty"`
	Verified      bool           `json:"verified"`
	VerifyFailed  bool           `json:"verifyFailed,omitempty"`
	Batch         *BatchProgress `json:"batch,omitempty"`

	// Code and Error describe the failure behind a writeFailed,
	// communicationError or lockedWritePrevented outcome.
	Code  ErrorCode `json:"code,omitempty"`
	Error string    `json:"error,omitempty"`
}

// OK reports OutcomeSuccess.
func (r WriteResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Summary renders the result as a one-line operator message such as
// "Written & locked" or "Written (lock failed)".
func (r WriteResult) Summary() string {
	switch r.Outcome {
	case OutcomeSuccess:
		var sb strings.Builder
		sb.WriteString("Written")
		switch {
		case r.Locked:
			sb.WriteString(" & locked")
		case r.LockFailed:
			sb.WriteString(" (lock failed)")
		case r.Protected:
			sb.WriteString(" & password protected")
		case r.ProtectFailed:
			sb.WriteString(" (password protection failed)")
		}
		switch {
		case r.Verified:
			sb.WriteString(" & verified")
		case r.VerifyFailed:
			sb.WriteString(" (verification failed)")
		}
		return sb.String()
	case OutcomeBlockedExistingData:
		return "Write blocked: tag has existing data"
	case OutcomeLockedTagDetected:
		return "Locked tag detected"
	case OutcomeLockedWritePrevented:
		return "Locked tag - writing prevented"
	case OutcomeCommunicationError:
		return "Communication error - keep the tag on the reader"
	default:
		return "Write failed"
	}
}
