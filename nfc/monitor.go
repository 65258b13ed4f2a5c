package nfc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
)

// Monitor retry timing
const (
	ReaderRetryInterval = 3 * time.Second
	PostErrorPauseTime  = 1 * time.Second
)

// CardSource is what the monitor polls: a reader that can wait for a tag,
// open it, and wait for it to leave.
type CardSource interface {
	Name() string
	WaitForCard(ctx context.Context) error
	Connect() (Card, error)
	WaitForRemoval(ctx context.Context) error
}

// Monitor feeds every tag presented to a CardSource into a Machine, one at
// a time: wait for a tag, connect, handle, close, wait for removal.
type Monitor struct {
	source  CardSource
	machine *Machine
	clock   Clock
	logger  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     syncutil.Mutex
}

// NewMonitor binds a source to a machine.
func NewMonitor(source CardSource, machine *Machine, clock Clock, logger zerolog.Logger) *Monitor {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Monitor{
		source:  source,
		machine: machine,
		clock:   clock,
		logger:  logger.With().Str("component", "monitor").Str("reader", source.Name()).Logger(),
	}
}

// Start runs the loop in a goroutine until Stop or ctx cancellation.
func (mon *Monitor) Start(ctx context.Context) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.cancel != nil {
		return
	}
	ctx, mon.cancel = context.WithCancel(ctx)
	mon.wg.Add(1)
	go func() {
		defer mon.wg.Done()
		if err := mon.Run(ctx); err != nil {
			mon.logger.Error().Err(err).Msg("monitor stopped")
		}
	}()
}

// Stop cancels the loop and waits for the tag in hand, if any, to finish.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	cancel := mon.cancel
	mon.cancel = nil
	mon.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if c, ok := mon.source.(interface{ Cancel() }); ok {
		c.Cancel()
	}
	mon.wg.Wait()
	mon.logger.Info().Msg("monitor stopped")
}

// Run is the blocking loop. It returns nil when ctx is cancelled.
func (mon *Monitor) Run(ctx context.Context) error {
	mon.logger.Info().Msg("monitoring reader")
	connected := true
	mon.publishStatus(true, "Reader ready")

	for {
		if err := mon.source.WaitForCard(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if connected {
				connected = false
				mon.logger.Warn().Err(err).Msg("reader unavailable")
				mon.publishStatus(false, err.Error())
			}
			if !mon.pause(ctx, ReaderRetryInterval) {
				return nil
			}
			continue
		}
		if !connected {
			connected = true
			mon.logger.Info().Msg("reader back")
			mon.publishStatus(true, "Reader ready")
		}

		card, err := mon.source.Connect()
		if err != nil {
			if IsTagRemovedError(err) {
				mon.logger.Debug().Err(err).Msg("tag left before connect")
				continue
			}
			mon.logger.Warn().Err(err).Msg("connect failed")
			if !mon.pause(ctx, PostErrorPauseTime) {
				return nil
			}
			mon.waitForRemoval(ctx)
			continue
		}

		mon.logger.Debug().Str("uid", card.UID()).Msg("tag presented")
		mon.machine.HandleCard(card)
		if err := card.Close(); err != nil {
			mon.logger.Debug().Err(err).Msg("card close failed")
		}

		mon.waitForRemoval(ctx)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (mon *Monitor) waitForRemoval(ctx context.Context) {
	if err := mon.source.WaitForRemoval(ctx); err != nil && !errors.Is(err, context.Canceled) {
		mon.logger.Debug().Err(err).Msg("wait for removal failed")
	}
}

func (mon *Monitor) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-mon.clock.After(d):
		return true
	}
}

func (mon *Monitor) publishStatus(connected bool, msg string) {
	mon.machine.PublishReaderStatus(ReaderStatus{Name: mon.source.Name(), Connected: connected, Message: msg})
}
