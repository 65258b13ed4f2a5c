package nfc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog"
)

// PreferredReader is picked over other attached readers when no name is
// given.
const PreferredReader = "ACR1252"

// statusPollTimeout bounds each GetStatusChange call so cancellation is
// noticed even on PC/SC stacks where Cancel is unreliable.
const statusPollTimeout = 500 * time.Millisecond

// PCSCReader is one PC/SC reader slot. It implements CardSource.
type PCSCReader struct {
	ctx    *scard.Context
	name   string
	logger zerolog.Logger
}

// ListReaders returns the attached contactless readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return filterContactlessReaders(readers), nil
}

// SelectReader picks a reader: the one matching want (exact, then
// substring), else one whose name contains PreferredReader, else the first.
func SelectReader(readers []string, want string) (string, bool) {
	if len(readers) == 0 {
		return "", false
	}
	if want != "" {
		for _, r := range readers {
			if r == want {
				return r, true
			}
		}
		for _, r := range readers {
			if strings.Contains(strings.ToLower(r), strings.ToLower(want)) {
				return r, true
			}
		}
		return "", false
	}
	for _, r := range readers {
		if strings.Contains(strings.ToUpper(r), PreferredReader) {
			return r, true
		}
	}
	return readers[0], true
}

// OpenReader establishes a PC/SC context and binds it to the selected
// reader. ErrReaderNotFound is returned when nothing matches.
func OpenReader(want string, logger zerolog.Logger) (*PCSCReader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, &NFCError{Code: ErrCodeReaderUnavailable, Op: "OpenReader", Page: -1, Message: "PC/SC service unavailable", Cause: err}
	}

	readers, err := ctx.ListReaders()
	if err != nil && !errors.Is(err, scard.ErrNoReadersAvailable) {
		ctx.Release()
		return nil, &NFCError{Code: ErrCodeReaderUnavailable, Op: "OpenReader", Page: -1, Message: "failed to list readers", Cause: err}
	}

	name, ok := SelectReader(filterContactlessReaders(readers), want)
	if !ok {
		ctx.Release()
		return nil, ErrReaderNotFound
	}

	logger = logger.With().Str("component", "reader").Str("reader", name).Logger()
	logger.Info().Strs("available", readers).Msg("reader selected")
	return &PCSCReader{ctx: ctx, name: name, logger: logger}, nil
}

// Name returns the PC/SC reader name.
func (r *PCSCReader) Name() string {
	return r.name
}

// WaitForCard blocks until a card is in the field or ctx is done.
func (r *PCSCReader) WaitForCard(ctx context.Context) error {
	return r.waitFor(ctx, true)
}

// WaitForRemoval blocks until the field is empty or ctx is done.
func (r *PCSCReader) WaitForRemoval(ctx context.Context) error {
	return r.waitFor(ctx, false)
}

func (r *PCSCReader) waitFor(ctx context.Context, present bool) error {
	rs := []scard.ReaderState{{Reader: r.name, CurrentState: scard.StateUnaware}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.ctx.GetStatusChange(rs, statusPollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		default:
			return &NFCError{Code: ErrCodeReaderUnavailable, Op: "WaitForCard", Page: -1, Message: "reader status failed", Cause: err}
		}

		state := rs[0].EventState
		rs[0].CurrentState = state &^ scard.StateChanged
		if (state&scard.StatePresent != 0) == present {
			return nil
		}
	}
}

// Connect opens a shared session to the card in the field.
func (r *PCSCReader) Connect() (Card, error) {
	card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if errors.Is(err, scard.ErrNoSmartcard) || errors.Is(err, scard.ErrRemovedCard) {
			return nil, NewTagRemovedError("Connect", err)
		}
		return nil, NewTransportError("Connect", -1, err)
	}
	return newPCSCCard(card, r.name, r.logger), nil
}

// Cancel interrupts a blocking GetStatusChange.
func (r *PCSCReader) Cancel() {
	if err := r.ctx.Cancel(); err != nil {
		r.logger.Debug().Err(err).Msg("cancel failed")
	}
}

// Close releases the PC/SC context.
func (r *PCSCReader) Close() error {
	return r.ctx.Release()
}

// filterContactlessReaders drops SAM slots, which never see a tag.
func filterContactlessReaders(readers []string) []string {
	var filtered []string
	for _, r := range readers {
		if strings.Contains(strings.ToUpper(r), "SAM") {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}
