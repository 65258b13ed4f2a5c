package nfc

import (
	"bytes"
	"time"

	"github.com/rs/zerolog"
)

// Page I/O timing and retry bounds
const (
	NACKRetries            = 4
	NACKRetryDelay         = 50 * time.Millisecond
	ReconnectSettleDelay   = 50 * time.Millisecond
	PlaceholderSettleDelay = 50 * time.Millisecond
	PageSettleDelay        = 20 * time.Millisecond
)

// PageTransport reads and writes single 4-byte NTAG pages over a Card.
// It is bound to one card session and is not safe for concurrent use.
type PageTransport struct {
	card   Card
	clock  Clock
	trace  *WriteTrace
	logger zerolog.Logger
}

// NewPageTransport binds a transport to a connected card. trace may be nil.
func NewPageTransport(card Card, clock Clock, trace *WriteTrace, logger zerolog.Logger) *PageTransport {
	if clock == nil {
		clock = NewRealClock()
	}
	return &PageTransport{card: card, clock: clock, trace: trace, logger: logger}
}

// Card returns the underlying session.
func (t *PageTransport) Card() Card {
	return t.card
}

// ReadPage reads one page. A non-success status or a transmit error yields
// ok=false; callers treat that as "nothing there", not as a failure.
func (t *PageTransport) ReadPage(page int) ([]byte, bool) {
	if page < 0 || page > 0xFF {
		return nil, false
	}
	raw, err := t.card.Transmit(ReadPageAPDU(byte(page)))
	if err != nil {
		t.logger.Debug().Err(err).Int("page", page).Msg("page read failed")
		return nil, false
	}
	resp, err := ParseAPDUResponse(raw)
	if err != nil || !resp.IsSuccess() || len(resp.Data) < PageSize {
		return nil, false
	}
	return resp.Data[:PageSize], true
}

// ReadPages reads from..to inclusive and stops early at the first missing
// page or after a page holding the TLV terminator.
func (t *PageTransport) ReadPages(from, to int) []byte {
	var out []byte
	for page := from; page <= to; page++ {
		data, ok := t.ReadPage(page)
		if !ok {
			break
		}
		out = append(out, data...)
		if bytes.IndexByte(data, TLVTerminator) >= 0 {
			break
		}
	}
	return out
}

// ReadNDEF dumps the data area and decodes it.
func (t *PageTransport) ReadNDEF() (string, error) {
	return DecodeMessage(t.ReadPages(FirstDataPage, LastDataPage))
}

// WritePage writes exactly one page. A 0x63 NACK is retried NACKRetries
// times, NACKRetryDelay apart. A transport fault gets one reconnect and a
// single retry of the same APDU; whatever that retry returns is final.
func (t *PageTransport) WritePage(page int, data []byte) error {
	if len(data) != PageSize {
		return NewInvalidDataError("WritePage", "page %d: need %d bytes, got %d", page, PageSize, len(data))
	}
	if page < 0 || page > 0xFF {
		return NewInvalidDataError("WritePage", "page %d out of range", page)
	}

	apdu := WritePageAPDU(byte(page), data)
	const maxAttempts = NACKRetries + 1
	nacks := 0
	reconnected := false

	for attempt := 1; ; attempt++ {
		raw, err := t.card.Transmit(apdu)
		if err != nil {
			if IsTransportFault(err) && !reconnected {
				reconnected = true
				t.logger.Warn().Err(err).Int("page", page).Msg("transport fault, reconnecting")
				if rerr := t.card.Reconnect(); rerr != nil {
					t.trace.Record(page, apdu, attempt, maxAttempts, rerr)
					return NewTransportError("WritePage", page, rerr)
				}
				t.clock.Sleep(ReconnectSettleDelay)
				continue
			}
			t.trace.Record(page, apdu, attempt, maxAttempts, err)
			if IsTransportFault(err) {
				return NewTransportError("WritePage", page, err)
			}
			return NewWriteError("WritePage", page, err)
		}

		resp, err := ParseAPDUResponse(raw)
		if err != nil {
			t.trace.Record(page, apdu, attempt, maxAttempts, err)
			return NewWriteError("WritePage", page, err)
		}
		if resp.IsSuccess() {
			if reconnected {
				t.logger.Info().Int("page", page).Msg("page written after reconnect")
			}
			return nil
		}

		if resp.IsNACK() && !reconnected && nacks < NACKRetries {
			nacks++
			t.logger.Debug().Int("page", page).Int("attempt", attempt).Msg("tag NACK, retrying")
			t.clock.Sleep(NACKRetryDelay)
			continue
		}

		t.trace.Record(page, apdu, attempt, maxAttempts, resp.Error())
		if resp.IsNACK() {
			return NewNACKError(page, attempt, resp.StatusWord())
		}
		return NewWriteError("WritePage", page, resp.Error())
	}
}

// WriteMessage writes a TLV framed message to the data area. The first
// page is written twice: first as an empty TLV (03 00 00 00) so a reader
// racing the write sees no message, and last with the real header once
// every other page has landed. A failure aborts without rollback.
func (t *PageTransport) WriteMessage(msg []byte) error {
	if len(msg) == 0 || len(msg)%PageSize != 0 {
		return NewInvalidDataError("WriteMessage", "message must be a non-empty multiple of %d bytes, got %d", PageSize, len(msg))
	}
	if len(msg) > DataAreaSize {
		return &NFCError{
			Code:    ErrCodeCapacityExceeded,
			Op:      "WriteMessage",
			Page:    -1,
			Message: "message does not fit the data area",
		}
	}

	if err := t.FormatCapabilityContainer(); err != nil {
		return err
	}

	if err := t.WritePage(FirstDataPage, []byte{TLVNDEF, 0x00, 0x00, 0x00}); err != nil {
		return err
	}
	t.clock.Sleep(PlaceholderSettleDelay)

	pages := len(msg) / PageSize
	for i := 1; i < pages; i++ {
		if err := t.WritePage(FirstDataPage+i, msg[i*PageSize:(i+1)*PageSize]); err != nil {
			return err
		}
		t.clock.Sleep(PageSettleDelay)
	}

	return t.WritePage(FirstDataPage, msg[:PageSize])
}
