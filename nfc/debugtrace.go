package nfc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
)

// WriteTraceFileName is created inside the debug directory.
const WriteTraceFileName = "write_errors.log"

// WriteTrace appends one block per failed page write: the error, the APDU
// and the attempt count. It is informational only; a nil *WriteTrace
// discards everything.
type WriteTrace struct {
	mu   syncutil.Mutex
	path string
	now  func() time.Time
}

// NewWriteTrace traces into <dir>/write_errors.log. The directory is
// created lazily on the first failure.
func NewWriteTrace(dir string) *WriteTrace {
	return &WriteTrace{path: filepath.Join(dir, WriteTraceFileName), now: time.Now}
}

// Path returns the trace file location, or "" for a nil trace.
func (t *WriteTrace) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Record appends a failure. Errors writing the trace itself are dropped.
func (t *WriteTrace) Record(page int, apdu []byte, attempt, maxAttempts int, cause error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.now().Format("2006-01-02 15:04:05")
	entry := fmt.Sprintf("[%s] Write Error: page %d: %v\n[%s] APDU: %s\n[%s] Attempt: %d/%d\n---\n",
		ts, page, cause, ts, spacedHex(apdu), ts, attempt, maxAttempts)

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(entry)
}
