package nfc

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ebfe/scard"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
)

// NTAG213Pages is the number of addressable pages on an NTAG213.
const NTAG213Pages = 45

// MockTag simulates NTAG213 memory behind the PC/SC pseudo-APDUs so the
// transport and machine can be exercised without hardware. Lock bytes,
// AUTH0 and the OTP pages behave like the real chip; faults are injected
// through the exported fields.
//
// Example:
//
//	tag := NewMockTag("04A1B2C3D4E5F6")
//	tag.NACKs = map[int]int{5: 2} // page 5 answers 63 00 twice
//	machine.HandleCard(tag)
type MockTag struct {
	mu    syncutil.Mutex
	uid   []byte
	pages [NTAG213Pages][PageSize]byte

	// NACKs[p] is how many writes to page p answer 63 00 before one sticks.
	NACKs map[int]int
	// TransportFaults[p] is how many writes to page p fail with a T=1
	// framing error before one gets through.
	TransportFaults map[int]int
	// FailAfterWrites > 0 pulls the tag out of the field once that many
	// page writes have landed.
	FailAfterWrites int
	// SilentReject acknowledges writes to the data area without storing
	// them, like a worn or silently locked tag.
	SilentReject bool
	// FailReads makes that many upcoming data area reads fail.
	FailReads int
	// ReconnectErr is returned by Reconnect when set.
	ReconnectErr error

	removed    bool
	closed     bool
	writes     int
	reconnects int
	written    []int
}

// NewMockTag returns a factory fresh NTAG213: CC written, empty NDEF TLV,
// unlocked, no password.
func NewMockTag(uid string) *MockTag {
	raw, err := hex.DecodeString(uid)
	if err != nil || len(raw) == 0 {
		raw = []byte{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6}
	}
	t := &MockTag{uid: raw}
	t.pages[CCPage] = [PageSize]byte{0xE1, 0x10, 0x12, 0x00}
	t.pages[FirstDataPage] = [PageSize]byte{TLVNDEF, 0x00, TLVTerminator, 0x00}
	t.pages[CFG0Page] = [PageSize]byte{0x04, 0x00, 0x00, 0xFF}
	return t
}

// NewMockTagWithURL returns a fresh tag already carrying uri.
func NewMockTagWithURL(uid, uri string) *MockTag {
	t := NewMockTag(uid)
	msg, err := EncodeURI(uri)
	if err != nil {
		panic(err)
	}
	t.LoadData(msg)
	return t
}

// LoadData copies raw bytes into the data area from page 4 on, bypassing
// locks and fault injection.
func (t *MockTag) LoadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < len(data) && FirstDataPage+i/PageSize <= LastDataPage; i++ {
		t.pages[FirstDataPage+i/PageSize][i%PageSize] = data[i]
	}
}

// SetPage overwrites one page, bypassing locks.
func (t *MockTag) SetPage(page int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.pages[page][:], data)
}

// Page returns a copy of one page.
func (t *MockTag) Page(page int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pages[page]
	return p[:]
}

// DataArea returns pages 4..39.
func (t *MockTag) DataArea() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, 0, DataAreaSize)
	for p := FirstDataPage; p <= LastDataPage; p++ {
		out = append(out, t.pages[p][:]...)
	}
	return out
}

// Lock sets the static lock bytes.
func (t *MockTag) Lock() {
	t.SetPage(LockPage, []byte{t.uid[0], t.uid[1], 0xFF, 0xFF})
}

// Remove takes the tag out of the field.
func (t *MockTag) Remove() {
	t.mu.Lock()
	t.removed = true
	t.mu.Unlock()
}

// WrittenPages lists every page write that was acknowledged, in order.
func (t *MockTag) WrittenPages() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.written...)
}

// Reconnects counts Reconnect calls.
func (t *MockTag) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

// Closed reports whether Close was called.
func (t *MockTag) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *MockTag) UID() string {
	return strings.ToUpper(hex.EncodeToString(t.uid))
}

func (t *MockTag) Reconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnects++
	if t.ReconnectErr != nil {
		return t.ReconnectErr
	}
	if t.removed {
		return scard.ErrNoSmartcard
	}
	return nil
}

func (t *MockTag) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

var (
	swOK       = []byte{SW1Success, SW2Success}
	swNACK     = []byte{SW1NACK, 0x00}
	swBadPage  = []byte{0x6A, 0x82}
	swBadInstr = []byte{0x6D, 0x00}

	errMockT1 = errors.New("T=1 protocol error")
)

func (t *MockTag) Transmit(apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed {
		return nil, scard.ErrRemovedCard
	}
	if len(apdu) < 5 || apdu[0] != CLAPCSC {
		return swBadInstr, nil
	}

	switch apdu[1] {
	case INSGetUID:
		return append(append([]byte(nil), t.uid...), swOK...), nil
	case INSReadBinary:
		return t.read(int(apdu[3])), nil
	case INSUpdateBin:
		if len(apdu) < 5+PageSize {
			return swBadInstr, nil
		}
		return t.write(int(apdu[3]), apdu[5:5+PageSize])
	}
	return swBadInstr, nil
}

func (t *MockTag) read(page int) []byte {
	if page >= NTAG213Pages {
		return swBadPage
	}
	if page >= FirstDataPage && t.FailReads > 0 {
		t.FailReads--
		return swBadPage
	}
	data := t.pages[page]
	if page == PWDPage || page == PACKPage {
		data = [PageSize]byte{}
	}
	return append(data[:], swOK...)
}

func (t *MockTag) write(page int, data []byte) ([]byte, error) {
	if page >= NTAG213Pages || page < LockPage {
		return swNACK, nil
	}
	if n := t.TransportFaults[page]; n > 0 {
		t.TransportFaults[page] = n - 1
		return nil, errMockT1
	}
	if n := t.NACKs[page]; n > 0 {
		t.NACKs[page] = n - 1
		return swNACK, nil
	}
	if t.pageLocked(page) || t.passwordGuarded(page) {
		return swNACK, nil
	}

	switch {
	case page == LockPage:
		// Lock bits are one-time programmable.
		t.pages[page][2] |= data[2]
		t.pages[page][3] |= data[3]
	case page == CCPage:
		for i := range data {
			t.pages[page][i] |= data[i]
		}
	case t.SilentReject && page >= FirstDataPage && page <= LastDataPage:
	default:
		copy(t.pages[page][:], data)
	}

	t.written = append(t.written, page)
	t.writes++
	if t.FailAfterWrites > 0 && t.writes >= t.FailAfterWrites {
		t.removed = true
	}
	return swOK, nil
}

func (t *MockTag) pageLocked(page int) bool {
	lock := t.pages[LockPage]
	return lock[2] == 0xFF && lock[3] == 0xFF && page >= CCPage && page <= LastDataPage
}

func (t *MockTag) passwordGuarded(page int) bool {
	return page >= int(t.pages[CFG0Page][3])
}

// MockSource is a CardSource that hands out queued cards.
type MockSource struct {
	ReaderName string

	cards   chan Card
	mu      syncutil.Mutex
	pending Card
}

// NewMockSource returns an empty source.
func NewMockSource(name string) *MockSource {
	return &MockSource{ReaderName: name, cards: make(chan Card, 16)}
}

// Present queues a card; the next WaitForCard returns and Connect hands
// it out.
func (s *MockSource) Present(card Card) {
	s.cards <- card
}

func (s *MockSource) Name() string { return s.ReaderName }

func (s *MockSource) WaitForCard(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c := <-s.cards:
		s.mu.Lock()
		s.pending = c
		s.mu.Unlock()
		return nil
	}
}

func (s *MockSource) Connect() (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.pending
	s.pending = nil
	if c == nil {
		return nil, NewTagRemovedError("Connect", scard.ErrNoSmartcard)
	}
	return c, nil
}

func (s *MockSource) WaitForRemoval(ctx context.Context) error {
	return ctx.Err()
}
