package nfc

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
	"github.com/dotside-studios/ntag-url-agent/rewrite"
)

// Machine timing
const (
	ReadDebounce       = 3 * time.Second
	VerifyDelay        = 1 * time.Second
	RereadDelay        = 100 * time.Millisecond
	DefaultEventBuffer = 64
)

// Mode selects what the machine does with the next presented tag.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeUpdate
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeUpdate:
		return "update"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "read":
		return ModeRead, nil
	case "write":
		return ModeWrite, nil
	case "update":
		return ModeUpdate, nil
	}
	return ModeRead, fmt.Errorf("unknown mode %q", s)
}

// UpdateStep is the position in the two-tag update workflow.
type UpdateStep int

const (
	StepScanOld UpdateStep = iota
	StepWriteNew
)

func (s UpdateStep) String() string {
	if s == StepWriteNew {
		return "write_new"
	}
	return "scan_old"
}

func (s UpdateStep) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *UpdateStep) UnmarshalText(text []byte) error {
	switch string(text) {
	case "scan_old":
		*s = StepScanOld
	case "write_new":
		*s = StepWriteNew
	default:
		return fmt.Errorf("unknown update step %q", text)
	}
	return nil
}

// WriteOptions configures write mode. UsePassword and LockAfterWrite are
// alternative protections; at most one may be set.
type WriteOptions struct {
	URL              string `json:"url"`
	LockAfterWrite   bool   `json:"lockAfterWrite"`
	AllowOverwrite   bool   `json:"allowOverwrite"`
	UsePassword      bool   `json:"usePassword"`
	Password         string `json:"password,omitempty"`
	VerifyAfterWrite bool   `json:"verifyAfterWrite"`
	BatchTotal       int    `json:"batchTotal"`
}

var (
	ErrEmptyWriteURL      = errors.New("write URL is empty")
	ErrInvalidPassword    = fmt.Errorf("password must be exactly %d characters", PageSize)
	ErrConflictingProtect = errors.New("password protection and permanent lock are mutually exclusive")
	ErrNotInUpdateMode    = errors.New("not in update mode")
	ErrEmptyUpdateTarget  = errors.New("update target URL is empty")
)

// Validate checks the options without touching the machine.
func (o WriteOptions) Validate() error {
	if o.URL == "" {
		return ErrEmptyWriteURL
	}
	if o.UsePassword && len(o.Password) != PageSize {
		return ErrInvalidPassword
	}
	if o.UsePassword && o.LockAfterWrite {
		return ErrConflictingProtect
	}
	return nil
}

func (o WriteOptions) redacted() WriteOptions {
	if o.Password != "" {
		o.Password = "****"
	}
	return o
}

// State is a point-in-time snapshot of the machine. The password is
// redacted.
type State struct {
	Mode               Mode         `json:"mode"`
	Write              WriteOptions `json:"write"`
	BatchCount         int          `json:"batchCount"`
	UpdateStep         UpdateStep   `json:"updateStep"`
	PendingOriginalURL string       `json:"pendingOriginalUrl,omitempty"`
	PendingRewriteURL  string       `json:"pendingRewriteUrl,omitempty"`
	LastReadAt         time.Time    `json:"lastReadAt,omitempty"`
	Rule               rewrite.Rule `json:"rule"`
}

// MachineConfig holds the machine's collaborators. Zero values pick
// defaults: the real clock, no write trace, a 3s read debounce.
type MachineConfig struct {
	Clock       Clock
	Trace       *WriteTrace
	Logger      zerolog.Logger
	Rule        rewrite.Rule
	Debounce    time.Duration
	EventBuffer int
}

// Machine decides what to do with each presented tag. Mode transitions may
// come from any goroutine; HandleCard is called by one monitor goroutine
// at a time. Events are delivered in order on a single channel; the
// consumer must keep draining it or tag handling stalls.
type Machine struct {
	mu         syncutil.Mutex
	mode       Mode
	write      WriteOptions
	batchCount int
	step       UpdateStep
	original   string
	target     string
	lastRead   time.Time
	rule       rewrite.Rule

	clock    Clock
	trace    *WriteTrace
	logger   zerolog.Logger
	debounce time.Duration
	events   chan Event
}

// NewMachine returns a machine in read mode.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = ReadDebounce
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Rule == (rewrite.Rule{}) {
		cfg.Rule = rewrite.DefaultRule()
	}
	return &Machine{
		mode:     ModeRead,
		rule:     cfg.Rule,
		clock:    cfg.Clock,
		trace:    cfg.Trace,
		logger:   cfg.Logger.With().Str("component", "machine").Logger(),
		debounce: cfg.Debounce,
		events:   make(chan Event, cfg.EventBuffer),
	}
}

// Events returns the ordered event stream. It is never closed.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// PublishReaderStatus puts a collaborator's readerStatus event on the
// stream. It never blocks; a status update nobody has room for is dropped.
func (m *Machine) PublishReaderStatus(status ReaderStatus) {
	ev := newEvent(EventReaderStatus, m.clock.Now())
	ev.Reader = &status
	select {
	case m.events <- ev:
	default:
		m.logger.Debug().Str("reader", status.Name).Msg("event stream full, reader status dropped")
	}
}

func (m *Machine) stamp(ev Event) Event {
	fresh := newEvent(ev.Type, m.clock.Now())
	ev.ID, ev.Time = fresh.ID, fresh.Time
	return ev
}

func (m *Machine) emit(ev Event) {
	m.events <- m.stamp(ev)
}

func (m *Machine) emitLog(level LogLevel, format string, args ...any) {
	m.emit(Event{Type: EventLog, Level: level, Message: fmt.Sprintf(format, args...)})
}

func (m *Machine) emitModeChanged() {
	s := m.State()
	m.emit(Event{Type: EventModeChanged, State: &s})
}

// State returns a snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	return State{
		Mode:               m.mode,
		Write:              m.write.redacted(),
		BatchCount:         m.batchCount,
		UpdateStep:         m.step,
		PendingOriginalURL: m.original,
		PendingRewriteURL:  m.target,
		LastReadAt:         m.lastRead,
		Rule:               m.rule,
	}
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetReadMode switches to read mode, dropping write options and any
// pending update.
func (m *Machine) SetReadMode() {
	m.mu.Lock()
	m.mode = ModeRead
	m.write = WriteOptions{}
	m.batchCount = 0
	m.resetUpdateLocked()
	m.mu.Unlock()

	m.logger.Info().Msg("read mode")
	m.emitModeChanged()
}

// SetWriteMode switches to write mode and restarts the batch counter.
func (m *Machine) SetWriteMode(opts WriteOptions) error {
	opts.URL = rewrite.CleanURL(opts.URL)
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.BatchTotal < 1 {
		opts.BatchTotal = 1
	}

	m.mu.Lock()
	m.mode = ModeWrite
	m.write = opts
	m.batchCount = 0
	m.resetUpdateLocked()
	m.mu.Unlock()

	m.logger.Info().
		Str("url", opts.URL).
		Bool("lock", opts.LockAfterWrite).
		Bool("password", opts.UsePassword).
		Bool("overwrite", opts.AllowOverwrite).
		Int("batch", opts.BatchTotal).
		Msg("write mode")
	m.emitModeChanged()
	if opts.BatchTotal > 1 {
		m.emitLog(LevelInfo, "Present next NFC tag (1/%d)", opts.BatchTotal)
	}
	return nil
}

// SetUpdateMode enters the update workflow at scan_old.
func (m *Machine) SetUpdateMode() {
	m.mu.Lock()
	m.mode = ModeUpdate
	m.write = WriteOptions{}
	m.batchCount = 0
	m.resetUpdateLocked()
	m.mu.Unlock()

	m.logger.Info().Msg("update mode")
	m.emitModeChanged()
	m.emitLog(LevelInfo, "Scan the old tag")
}

// ConfirmUpdate stores the operator's chosen target and moves to
// write_new. A target without a scheme gets https://.
func (m *Machine) ConfirmUpdate(original, target string) error {
	target = rewrite.EnsureScheme(target)
	if target == "" {
		return ErrEmptyUpdateTarget
	}

	m.mu.Lock()
	if m.mode != ModeUpdate {
		m.mu.Unlock()
		return ErrNotInUpdateMode
	}
	m.original = original
	m.target = target
	m.step = StepWriteNew
	m.mu.Unlock()

	m.logger.Info().Str("original", original).Str("target", target).Msg("update confirmed")
	m.emitModeChanged()
	m.emitLog(LevelInfo, "Present a blank tag to write %s", target)
	return nil
}

// CancelPendingUpdate discards the pending pair and returns to scan_old.
func (m *Machine) CancelPendingUpdate() {
	m.mu.Lock()
	hadPending := m.target != ""
	m.resetUpdateLocked()
	m.mu.Unlock()

	if hadPending {
		m.logger.Info().Msg("pending update cancelled")
		m.emitModeChanged()
		m.emitLog(LevelInfo, "Update cancelled - scan the old tag")
	}
}

func (m *Machine) resetUpdateLocked() {
	m.step = StepScanOld
	m.original = ""
	m.target = ""
}

// SetRewriteRule replaces the rule used to suggest update targets.
func (m *Machine) SetRewriteRule(rule rewrite.Rule) {
	m.mu.Lock()
	m.rule = rule
	m.mu.Unlock()
}

// HandleCard runs one presented tag through the current mode. The card
// stays open; the caller closes it. A panic in tag handling is logged and
// reported instead of taking the monitor down.
func (m *Machine) HandleCard(card Card) {
	uid := card.UID()
	logger := m.logger.With().Str("uid", uid).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("tag handling panicked")
			m.emitLog(LevelError, "Tag handling failed: %v", r)
		}
	}()

	t := NewPageTransport(card, m.clock, m.trace, logger)

	switch m.Mode() {
	case ModeRead:
		m.handleRead(t, uid)
	case ModeWrite:
		m.handleWrite(t, uid)
	case ModeUpdate:
		m.handleUpdate(t, uid)
	}
}

func (m *Machine) handleRead(t *PageTransport, uid string) {
	now := m.clock.Now()
	m.mu.Lock()
	last := m.lastRead
	m.mu.Unlock()
	if !last.IsZero() && now.Sub(last) < m.debounce {
		m.logger.Debug().Str("uid", uid).Msg("read debounced")
		return
	}

	url, err := t.ReadNDEF()
	if err != nil {
		m.logger.Debug().Err(err).Str("uid", uid).Msg("no URL on tag")
		m.emit(Event{Type: EventNoURL, TagUID: uid, Message: "No URL found on tag"})
		return
	}

	m.mu.Lock()
	m.lastRead = m.clock.Now()
	m.mu.Unlock()

	m.logger.Info().Str("uid", uid).Str("url", url).Msg("tag read")
	m.emit(Event{Type: EventTagRead, TagUID: uid, URL: url})
}

func (m *Machine) handleWrite(t *PageTransport, uid string) {
	m.mu.Lock()
	opts := m.write
	m.mu.Unlock()

	if opts.URL == "" {
		m.emitLog(LevelWarning, "No URL set for writing")
		return
	}

	// A locked tag wins over every other check.
	if t.IsLocked() {
		if url, err := t.ReadNDEF(); err == nil {
			m.logger.Info().Str("uid", uid).Str("url", url).Msg("locked tag carries a URL")
			m.emit(Event{Type: EventLockedTagWithURL, TagUID: uid, URL: url})
			return
		}
		m.emitWriteResult(uid, WriteResult{Outcome: OutcomeLockedTagDetected, URL: opts.URL})
		return
	}

	if !opts.AllowOverwrite {
		if existing, err := t.ReadNDEF(); err == nil {
			m.emitWriteResult(uid, WriteResult{Outcome: OutcomeBlockedExistingData, URL: opts.URL, ExistingURL: existing})
			return
		}
	}

	res := m.writeURL(t, opts.URL)
	if !res.OK() {
		m.emitWriteResult(uid, res)
		return
	}

	switch {
	case opts.UsePassword && t.IsPasswordProtected():
		// Reconfiguring would need PWD_AUTH with the old password.
		m.logger.Warn().Str("uid", uid).Msg("tag already password protected, password unchanged")
		res.Protected = true
	case opts.UsePassword:
		if err := t.SetPasswordProtection([]byte(opts.Password)); err != nil {
			m.logger.Warn().Err(err).Str("uid", uid).Msg("password protection failed")
			res.ProtectFailed = true
		} else {
			res.Protected = true
		}
	case opts.LockAfterWrite:
		if err := t.LockPermanently(); err != nil {
			m.logger.Warn().Err(err).Str("uid", uid).Msg("lock failed")
			res.LockFailed = true
		} else {
			res.Locked = true
		}
	}

	if opts.VerifyAfterWrite {
		m.clock.Sleep(VerifyDelay)
		if got, err := t.ReadNDEF(); err == nil && got == opts.URL {
			res.Verified = true
		} else {
			m.logger.Warn().Err(err).Str("uid", uid).Str("got", got).Msg("verification mismatch")
			res.VerifyFailed = true
		}
	}

	m.mu.Lock()
	m.batchCount++
	progress := BatchProgress{Count: m.batchCount, Total: m.write.BatchTotal}
	m.mu.Unlock()
	if progress.Total < 1 {
		progress.Total = 1
	}
	res.Batch = &progress

	m.emitWriteResult(uid, res)

	if progress.Total > 1 {
		if progress.Done() {
			m.emitLog(LevelSuccess, "Batch writing completed")
		} else {
			m.emitLog(LevelInfo, "Present next NFC tag (%d/%d)", progress.Count+1, progress.Total)
		}
	}
}

// writeURL encodes, writes and reads back. A mismatching read-back gets one
// second look after RereadDelay before the tag is declared write-protected.
func (m *Machine) writeURL(t *PageTransport, url string) WriteResult {
	res := WriteResult{URL: url}

	msg, err := EncodeURI(url)
	if err != nil {
		m.logger.Error().Err(err).Str("url", url).Msg("cannot encode URL")
		res.Outcome = OutcomeWriteFailed
		return res
	}

	if err := t.WriteMessage(msg); err != nil {
		m.logger.Error().Err(err).Str("url", url).Msg("write failed")
		res.Code, res.Error = GetErrorCode(err), err.Error()
		switch {
		case IsTransportFault(err) || IsTagRemovedError(err):
			res.Outcome = OutcomeCommunicationError
		case IsNACKError(err) && t.IsPasswordProtected():
			res.Outcome = OutcomeWriteFailed
			res.Error = "tag is password protected: " + res.Error
		default:
			res.Outcome = OutcomeWriteFailed
		}
		return res
	}

	if got, err := t.ReadNDEF(); err == nil && got == url {
		res.Outcome = OutcomeSuccess
		return res
	}
	m.clock.Sleep(RereadDelay)
	got, err := t.ReadNDEF()
	if err == nil && got == url {
		m.logger.Debug().Str("url", url).Msg("read-back matched on second look")
		res.Outcome = OutcomeSuccess
		return res
	}

	reject := NewSilentRejectError(url, got, err)
	m.logger.Warn().Err(reject).Msg("writes acknowledged but not persisted")
	res.Outcome = OutcomeLockedWritePrevented
	res.Code, res.Error = reject.Code, reject.Error()
	return res
}

func (m *Machine) emitWriteResult(uid string, res WriteResult) {
	ev := m.logger.Info()
	if !res.OK() {
		ev = m.logger.Warn()
	}
	ev.Str("uid", uid).Str("outcome", res.Outcome.String()).Str("url", res.URL).Msg(res.Summary())
	m.emit(Event{Type: EventWriteResult, TagUID: uid, URL: res.URL, Success: res.OK(), Result: &res, Message: res.Summary()})
}

func (m *Machine) handleUpdate(t *PageTransport, uid string) {
	m.mu.Lock()
	step, original, target, rule := m.step, m.original, m.target, m.rule
	m.mu.Unlock()

	if step == StepScanOld {
		url, err := t.ReadNDEF()
		if err != nil {
			m.emitLog(LevelWarning, "No URL found on tag - nothing to update")
			return
		}
		suggested, ok := rule.Rewrite(url)
		if !ok {
			suggested = ""
		}
		m.logger.Info().Str("uid", uid).Str("url", url).Str("suggested", suggested).Msg("old tag scanned")
		m.emit(Event{Type: EventUpdateScanned, TagUID: uid, OriginalURL: url, NewURL: suggested, Rewritten: ok})
		return
	}

	if target == "" {
		m.CancelPendingUpdate()
		m.emitLog(LevelError, "No pending update - scan the old tag first")
		return
	}
	if t.IsLocked() {
		m.emitLog(LevelError, "Tag is locked - present a blank tag")
		return
	}
	if existing, err := t.ReadNDEF(); err == nil {
		m.logger.Info().Str("uid", uid).Str("existing", existing).Msg("update target tag not blank")
		m.emitLog(LevelWarning, "Tag already has data - present a blank tag")
		return
	}

	res := m.writeURL(t, target)
	if !res.OK() {
		m.logger.Warn().Str("uid", uid).Str("outcome", res.Outcome.String()).Msg("update write failed")
		m.emit(Event{Type: EventTagUpdated, TagUID: uid, OriginalURL: original, NewURL: target, Success: false, Result: &res, Message: res.Summary()})
		return
	}

	if err := t.LockPermanently(); err != nil {
		m.logger.Warn().Err(err).Str("uid", uid).Msg("updated tag not locked")
		res.LockFailed = true
	} else {
		res.Locked = true
	}

	m.mu.Lock()
	if m.mode == ModeUpdate && m.target == target {
		m.resetUpdateLocked()
	}
	m.mu.Unlock()

	m.logger.Info().Str("uid", uid).Str("original", original).Str("target", target).Msg("tag updated")
	m.emit(Event{Type: EventTagUpdated, TagUID: uid, OriginalURL: original, NewURL: target, Success: true, Result: &res, Message: res.Summary()})
	m.emitModeChanged()
}
