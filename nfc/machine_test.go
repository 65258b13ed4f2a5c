package nfc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/ntag-url-agent/rewrite"
)

func newTestMachine(t *testing.T) (*Machine, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(testEpoch)
	m := NewMachine(MachineConfig{Clock: clock, Logger: zerolog.Nop()})
	return m, clock
}

// drain collects every event queued so far.
func drain(m *Machine) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(evs []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func messages(evs []Event) []string {
	var out []string
	for _, ev := range ofType(evs, EventLog) {
		out = append(out, ev.Message)
	}
	return out
}

func onlyWriteResult(t *testing.T, evs []Event) WriteResult {
	t.Helper()
	results := ofType(evs, EventWriteResult)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Result)
	return *results[0].Result
}

func TestReadModeEmitsURL(t *testing.T) {
	m, _ := newTestMachine(t)
	tag := NewMockTagWithURL("04AABBCCDDEEFF", "https://example.com/item/7")

	m.HandleCard(tag)

	evs := drain(m)
	require.Len(t, evs, 1)
	assert.Equal(t, EventTagRead, evs[0].Type)
	assert.Equal(t, "https://example.com/item/7", evs[0].URL)
	assert.Equal(t, "04AABBCCDDEEFF", evs[0].TagUID)
	assert.NotEmpty(t, evs[0].ID)
	assert.Empty(t, tag.WrittenPages())
}

func TestReadModeBlankTag(t *testing.T) {
	m, _ := newTestMachine(t)
	m.HandleCard(NewMockTag(""))

	evs := drain(m)
	require.Len(t, evs, 1)
	assert.Equal(t, EventNoURL, evs[0].Type)
}

func TestReadDebounce(t *testing.T) {
	m, clock := newTestMachine(t)
	tag := NewMockTagWithURL("", "https://example.com/item/7")

	m.HandleCard(tag)
	clock.Advance(time.Second)
	m.HandleCard(tag)
	assert.Len(t, ofType(drain(m), EventTagRead), 1)

	clock.Advance(2500 * time.Millisecond)
	m.HandleCard(tag)
	assert.Len(t, ofType(drain(m), EventTagRead), 1)
}

func TestReadDebounceOnlyAfterSuccess(t *testing.T) {
	m, _ := newTestMachine(t)

	m.HandleCard(NewMockTag(""))
	m.HandleCard(NewMockTagWithURL("", "https://example.com/item/8"))

	evs := drain(m)
	assert.Len(t, ofType(evs, EventNoURL), 1)
	assert.Len(t, ofType(evs, EventTagRead), 1)
}

func TestWriteBlankTag(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/9"}))
	drain(m)

	tag := NewMockTag("")
	m.HandleCard(tag)

	res := onlyWriteResult(t, drain(m))
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, &BatchProgress{Count: 1, Total: 1}, res.Batch)
	assert.Equal(t, "Written", res.Summary())

	got, ok := Decode(tag.DataArea())
	require.True(t, ok)
	assert.Equal(t, "https://example.com/item/9", got)
}

func TestWriteBlockedByExistingData(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/new"}))
	drain(m)

	tag := NewMockTagWithURL("", "https://example.com/old")
	before := tag.DataArea()
	m.HandleCard(tag)

	res := onlyWriteResult(t, drain(m))
	assert.Equal(t, OutcomeBlockedExistingData, res.Outcome)
	assert.Equal(t, "https://example.com/old", res.ExistingURL)
	assert.Empty(t, tag.WrittenPages())
	assert.Equal(t, before, tag.DataArea())
	assert.Equal(t, 0, m.State().BatchCount)
}

func TestWriteOverwriteAllowed(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/new", AllowOverwrite: true}))
	drain(m)

	tag := NewMockTagWithURL("", "https://example.com/old")
	m.HandleCard(tag)

	assert.Equal(t, OutcomeSuccess, onlyWriteResult(t, drain(m)).Outcome)
	got, _ := Decode(tag.DataArea())
	assert.Equal(t, "https://example.com/new", got)
}

func TestWriteLockedTagWithURL(t *testing.T) {
	for _, overwrite := range []bool{false, true} {
		m, _ := newTestMachine(t)
		require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/new", AllowOverwrite: overwrite}))
		drain(m)

		tag := NewMockTagWithURL("", "https://example.com/locked")
		tag.Lock()
		m.HandleCard(tag)

		evs := drain(m)
		assert.Empty(t, ofType(evs, EventWriteResult))
		locked := ofType(evs, EventLockedTagWithURL)
		require.Len(t, locked, 1)
		assert.Equal(t, "https://example.com/locked", locked[0].URL)
		assert.Empty(t, tag.WrittenPages())
	}
}

func TestWriteLockedBlankTag(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/new"}))
	drain(m)

	tag := NewMockTag("")
	tag.Lock()
	m.HandleCard(tag)

	assert.Equal(t, OutcomeLockedTagDetected, onlyWriteResult(t, drain(m)).Outcome)
	assert.Empty(t, tag.WrittenPages())
}

func TestWriteAndLock(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1", LockAfterWrite: true}))
	drain(m)

	tag := NewMockTag("")
	m.HandleCard(tag)

	res := onlyWriteResult(t, drain(m))
	assert.True(t, res.Locked)
	assert.Equal(t, "Written & locked", res.Summary())
	assert.Equal(t, byte(0xFF), tag.Page(LockPage)[2])
}

func TestWriteAndPasswordProtect(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1", UsePassword: true, Password: "9876"}))
	drain(m)

	tag := NewMockTag("")
	m.HandleCard(tag)

	res := onlyWriteResult(t, drain(m))
	assert.True(t, res.Protected)
	assert.False(t, res.Locked)
	assert.Equal(t, byte(FirstDataPage), tag.Page(CFG0Page)[3])
	assert.Equal(t, []byte("9876"), tag.Page(PWDPage))
}

func TestWriteVerify(t *testing.T) {
	m, clock := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1", LockAfterWrite: true, VerifyAfterWrite: true}))
	drain(m)

	m.HandleCard(NewMockTag(""))

	res := onlyWriteResult(t, drain(m))
	assert.True(t, res.Verified)
	assert.Equal(t, "Written & locked & verified", res.Summary())
	assert.Contains(t, clock.Sleeps(), VerifyDelay)
}

func TestWriteSilentReject(t *testing.T) {
	m, clock := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1"}))
	drain(m)

	tag := NewMockTag("")
	tag.SilentReject = true
	m.HandleCard(tag)

	res := onlyWriteResult(t, drain(m))
	assert.Equal(t, OutcomeLockedWritePrevented, res.Outcome)
	assert.Equal(t, ErrCodeSilentReject, res.Code)
	assert.Contains(t, res.Error, "reads back no URL")
	assert.Contains(t, clock.Sleeps(), RereadDelay)
	assert.Equal(t, 0, m.State().BatchCount)
}

func TestWriteRereadRecovers(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1", AllowOverwrite: true}))
	drain(m)

	tag := NewMockTag("")
	tag.FailReads = 1
	m.HandleCard(tag)

	assert.Equal(t, OutcomeSuccess, onlyWriteResult(t, drain(m)).Outcome)
}

func TestWriteNACKExhausted(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1"}))
	drain(m)

	tag := NewMockTag("")
	tag.NACKs = map[int]int{5: 20}
	m.HandleCard(tag)

	res := onlyWriteResult(t, drain(m))
	assert.Equal(t, OutcomeWriteFailed, res.Outcome)
	assert.Equal(t, "Write failed", res.Summary())
	assert.Equal(t, ErrCodeNACKExhausted, res.Code)
	assert.NotContains(t, res.Error, "password")
}

func TestWritePasswordGuardedTag(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1"}))
	drain(m)

	tag := NewMockTag("")
	tag.SetPage(CFG0Page, []byte{0x04, 0x00, 0x00, FirstDataPage})
	m.HandleCard(tag)

	res := onlyWriteResult(t, drain(m))
	assert.Equal(t, OutcomeWriteFailed, res.Outcome)
	assert.Equal(t, ErrCodeNACKExhausted, res.Code)
	assert.Contains(t, res.Error, "tag is password protected")
	assert.Empty(t, tag.WrittenPages())
}

func TestWriteKeepsExistingPassword(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1", UsePassword: true, Password: "9876"}))
	drain(m)

	// AUTH0 above the data area: URL writes pass, the tag still counts
	// as protected.
	tag := NewMockTag("")
	tag.SetPage(CFG0Page, []byte{0x04, 0x00, 0x00, 0x28})
	tag.SetPage(PWDPage, []byte("1111"))
	m.HandleCard(tag)

	res := onlyWriteResult(t, drain(m))
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.True(t, res.Protected)
	assert.Equal(t, []byte("1111"), tag.Page(PWDPage))
	assert.Equal(t, byte(0x28), tag.Page(CFG0Page)[3])
}

func TestWriteTagRemoved(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1"}))
	drain(m)

	tag := NewMockTag("")
	tag.FailAfterWrites = 2
	m.HandleCard(tag)

	assert.Equal(t, OutcomeCommunicationError, onlyWriteResult(t, drain(m)).Outcome)
	_, ok := Decode(tag.DataArea())
	assert.False(t, ok)
}

func TestBatchWrite(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: "https://example.com/item/1", BatchTotal: 3}))
	assert.Equal(t, []string{"Present next NFC tag (1/3)"}, messages(drain(m)))

	var logs []string
	for i := 1; i <= 3; i++ {
		m.HandleCard(NewMockTag(""))
		evs := drain(m)
		res := onlyWriteResult(t, evs)
		assert.Equal(t, &BatchProgress{Count: i, Total: 3}, res.Batch)
		logs = append(logs, messages(evs)...)
	}
	assert.Equal(t, []string{
		"Present next NFC tag (2/3)",
		"Present next NFC tag (3/3)",
		"Batch writing completed",
	}, logs)
	assert.Equal(t, 3, m.State().BatchCount)
}

func TestSetWriteModeValidation(t *testing.T) {
	m, _ := newTestMachine(t)

	assert.ErrorIs(t, m.SetWriteMode(WriteOptions{}), ErrEmptyWriteURL)
	assert.ErrorIs(t, m.SetWriteMode(WriteOptions{URL: "https://x.y", UsePassword: true, Password: "123"}), ErrInvalidPassword)
	assert.ErrorIs(t, m.SetWriteMode(WriteOptions{URL: "https://x.y", UsePassword: true, Password: "1234", LockAfterWrite: true}), ErrConflictingProtect)
	assert.Equal(t, ModeRead, m.Mode())
	assert.Empty(t, drain(m))
}

func TestSetWriteModeCleansURLAndRedactsPassword(t *testing.T) {
	m, _ := newTestMachine(t)
	require.NoError(t, m.SetWriteMode(WriteOptions{URL: " ahttps://x.y/item/1 ", UsePassword: true, Password: "1234"}))

	s := m.State()
	assert.Equal(t, ModeWrite, s.Mode)
	assert.Equal(t, "https://x.y/item/1", s.Write.URL)
	assert.Equal(t, "****", s.Write.Password)
	assert.Equal(t, 1, s.Write.BatchTotal)

	changed := ofType(drain(m), EventModeChanged)
	require.Len(t, changed, 1)
	raw, err := json.Marshal(changed[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"password":"****"`)
	assert.Contains(t, string(raw), `"mode":"write"`)
}

func TestUpdateScanSuggestsRewrite(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetUpdateMode()
	drain(m)

	m.HandleCard(NewMockTagWithURL("", "http://10.0.0.5:3100/item/abc123"))

	scanned := ofType(drain(m), EventUpdateScanned)
	require.Len(t, scanned, 1)
	assert.Equal(t, "http://10.0.0.5:3100/item/abc123", scanned[0].OriginalURL)
	assert.Equal(t, "https://your-domain.com/item/abc123", scanned[0].NewURL)
	assert.True(t, scanned[0].Rewritten)
	assert.Equal(t, StepScanOld, m.State().UpdateStep)
}

func TestUpdateScanNoMatch(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetUpdateMode()
	drain(m)

	m.HandleCard(NewMockTagWithURL("", "https://example.com/item/xyz"))

	scanned := ofType(drain(m), EventUpdateScanned)
	require.Len(t, scanned, 1)
	assert.Empty(t, scanned[0].NewURL)
	assert.False(t, scanned[0].Rewritten)
}

func TestUpdateUsesCustomRule(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetRewriteRule(rewrite.Rule{Pattern: `^https://old\.example/(.+)$`, Target: "https://new.example/"})
	m.SetUpdateMode()
	drain(m)

	m.HandleCard(NewMockTagWithURL("", "https://old.example/p/1"))
	scanned := ofType(drain(m), EventUpdateScanned)
	require.Len(t, scanned, 1)
	assert.Equal(t, "https://new.example/p/1", scanned[0].NewURL)
}

func TestUpdateWorkflow(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.ErrorIs(t, m.ConfirmUpdate("http://10.0.0.5/item/1", "https://x.y/item/1"), ErrNotInUpdateMode)

	m.SetUpdateMode()
	assert.ErrorIs(t, m.ConfirmUpdate("http://10.0.0.5/item/1", "  "), ErrEmptyUpdateTarget)
	require.NoError(t, m.ConfirmUpdate("http://10.0.0.5/item/1", "your-domain.com/item/1"))

	s := m.State()
	assert.Equal(t, StepWriteNew, s.UpdateStep)
	assert.Equal(t, "https://your-domain.com/item/1", s.PendingRewriteURL)
	drain(m)

	// A tag with data is refused and the pending update survives.
	used := NewMockTagWithURL("", "https://example.com/other")
	m.HandleCard(used)
	assert.Contains(t, messages(drain(m)), "Tag already has data - present a blank tag")
	assert.Empty(t, used.WrittenPages())

	locked := NewMockTag("")
	locked.Lock()
	m.HandleCard(locked)
	assert.Contains(t, messages(drain(m)), "Tag is locked - present a blank tag")
	assert.Equal(t, StepWriteNew, m.State().UpdateStep)

	blank := NewMockTag("")
	m.HandleCard(blank)
	updated := ofType(drain(m), EventTagUpdated)
	require.Len(t, updated, 1)
	assert.True(t, updated[0].Success)
	assert.Equal(t, "http://10.0.0.5/item/1", updated[0].OriginalURL)
	assert.Equal(t, "https://your-domain.com/item/1", updated[0].NewURL)
	assert.True(t, updated[0].Result.Locked)

	got, ok := Decode(blank.DataArea())
	require.True(t, ok)
	assert.Equal(t, "https://your-domain.com/item/1", got)
	assert.Equal(t, byte(0xFF), blank.Page(LockPage)[3])

	s = m.State()
	assert.Equal(t, ModeUpdate, s.Mode)
	assert.Equal(t, StepScanOld, s.UpdateStep)
	assert.Empty(t, s.PendingRewriteURL)
}

func TestUpdateWriteFailureKeepsPending(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetUpdateMode()
	require.NoError(t, m.ConfirmUpdate("a", "https://x.y/1"))
	drain(m)

	tag := NewMockTag("")
	tag.SilentReject = true
	m.HandleCard(tag)

	updated := ofType(drain(m), EventTagUpdated)
	require.Len(t, updated, 1)
	assert.False(t, updated[0].Success)
	assert.Equal(t, OutcomeLockedWritePrevented, updated[0].Result.Outcome)
	assert.Equal(t, StepWriteNew, m.State().UpdateStep)
}

func TestUpdateWriteStepWithoutTarget(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetUpdateMode()
	m.mu.Lock()
	m.step = StepWriteNew
	m.mu.Unlock()
	drain(m)

	tag := NewMockTag("")
	m.HandleCard(tag)

	evs := drain(m)
	assert.Contains(t, messages(evs), "No pending update - scan the old tag first")
	assert.Empty(t, ofType(evs, EventTagUpdated))
	assert.Empty(t, tag.WrittenPages())

	s := m.State()
	assert.Equal(t, ModeUpdate, s.Mode)
	assert.Equal(t, StepScanOld, s.UpdateStep)
}

func TestCancelPendingUpdate(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetUpdateMode()
	require.NoError(t, m.ConfirmUpdate("a", "https://x.y/1"))
	m.CancelPendingUpdate()

	s := m.State()
	assert.Equal(t, StepScanOld, s.UpdateStep)
	assert.Empty(t, s.PendingOriginalURL)
	assert.Empty(t, s.PendingRewriteURL)
}

func TestLeavingUpdateModeDropsPending(t *testing.T) {
	m, _ := newTestMachine(t)
	m.SetUpdateMode()
	require.NoError(t, m.ConfirmUpdate("a", "https://x.y/1"))
	m.SetReadMode()

	s := m.State()
	assert.Equal(t, ModeRead, s.Mode)
	assert.Empty(t, s.PendingRewriteURL)

	m.SetUpdateMode()
	assert.Equal(t, StepScanOld, m.State().UpdateStep)
}

type panicCard struct{}

func (panicCard) Transmit([]byte) ([]byte, error) { panic("reader driver bug") }
func (panicCard) Reconnect() error                { return nil }
func (panicCard) UID() string                     { return "04000000000000" }
func (panicCard) Close() error                    { return nil }

func TestHandleCardRecoversFromPanic(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.NotPanics(t, func() { m.HandleCard(panicCard{}) })
	logs := ofType(drain(m), EventLog)
	require.Len(t, logs, 1)
	assert.Equal(t, LevelError, logs[0].Level)
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{ModeRead, ModeWrite, ModeUpdate} {
		got, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
	_, err := ParseMode("erase")
	assert.Error(t, err)
}
