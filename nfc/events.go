package nfc

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an entry on the machine's event stream.
type EventType string

const (
	EventTagRead          EventType = "tagRead"
	EventNoURL            EventType = "noUrl"
	EventWriteResult      EventType = "writeResult"
	EventLockedTagWithURL EventType = "lockedTagWithUrl"
	EventUpdateScanned    EventType = "updateScanned"
	EventTagUpdated       EventType = "tagUpdated"
	EventLog              EventType = "log"
	EventModeChanged      EventType = "modeChanged"
	EventReaderStatus     EventType = "readerStatus"
)

// LogLevel grades EventLog entries for the operator.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// ReaderStatus describes the PC/SC reader the monitor is attached to.
type ReaderStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Message   string `json:"message,omitempty"`
}

// Event is one entry on the ordered stream returned by Machine.Events.
// Which fields are set depends on Type:
//
//	tagRead           URL
//	noUrl             Message
//	writeResult       Result
//	lockedTagWithUrl  URL
//	updateScanned     OriginalURL, NewURL (suggestion, "" when no match), Rewritten
//	tagUpdated        OriginalURL, NewURL, Success, Result
//	log               Level, Message
//	modeChanged       State
//	readerStatus      Reader
type Event struct {
	ID          string        `json:"id"`
	Type        EventType     `json:"type"`
	Time        time.Time     `json:"time"`
	TagUID      string        `json:"tagUid,omitempty"`
	URL         string        `json:"url,omitempty"`
	OriginalURL string        `json:"originalUrl,omitempty"`
	NewURL      string        `json:"newUrl,omitempty"`
	Rewritten   bool          `json:"rewritten,omitempty"`
	Success     bool          `json:"success"`
	Result      *WriteResult  `json:"result,omitempty"`
	Level       LogLevel      `json:"level,omitempty"`
	Message     string        `json:"message,omitempty"`
	State       *State        `json:"state,omitempty"`
	Reader      *ReaderStatus `json:"reader,omitempty"`
}

func newEvent(t EventType, now time.Time) Event {
	return Event{ID: uuid.New().String(), Type: t, Time: now}
}
