package nfc

import (
	"fmt"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog"
)

// pcscCard implements Card on top of an ebfe/scard connection.
type pcscCard struct {
	card       *scard.Card
	readerName string
	uid        string
	logger     zerolog.Logger
}

func newPCSCCard(card *scard.Card, readerName string, logger zerolog.Logger) *pcscCard {
	c := &pcscCard{card: card, readerName: readerName, logger: logger}

	if uid, err := c.readUID(); err != nil {
		logger.Debug().Err(err).Msg("could not read tag UID")
	} else {
		c.uid = uid
	}
	return c
}

func (c *pcscCard) Transmit(apdu []byte) ([]byte, error) {
	if c.card == nil {
		return nil, NewTagRemovedError("Transmit", fmt.Errorf("card not connected"))
	}

	// scard panics on transmit when no protocol is active.
	proto := c.card.ActiveProtocol()
	if proto != scard.ProtocolT0 && proto != scard.ProtocolT1 {
		return nil, NewTransportError("Transmit", -1, fmt.Errorf("invalid card protocol %d", proto))
	}

	resp, err := c.card.Transmit(apdu)
	if err != nil {
		return nil, fmt.Errorf("pcscCard.Transmit: %w", err)
	}
	return resp, nil
}

// Reconnect resets the session and asks for T=1, the block protocol that
// survives the NTAG's slower write acknowledgements.
func (c *pcscCard) Reconnect() error {
	if c.card == nil {
		return NewTagRemovedError("Reconnect", fmt.Errorf("card not connected"))
	}

	err := c.card.Reconnect(scard.ShareShared, scard.ProtocolT1, scard.ResetCard)
	if err != nil {
		c.logger.Debug().Err(err).Msg("T=1 reconnect refused, retrying with any protocol")
		err = c.card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.ResetCard)
	}
	if err != nil {
		return NewTransportError("Reconnect", -1, err)
	}
	c.logger.Info().Str("reader", c.readerName).Msg("reconnected to tag")
	return nil
}

func (c *pcscCard) UID() string {
	return c.uid
}

func (c *pcscCard) Close() error {
	if c.card == nil {
		return nil
	}
	err := c.card.Disconnect(scard.LeaveCard)
	c.card = nil
	return err
}

func (c *pcscCard) readUID() (string, error) {
	raw, err := c.Transmit(GetUIDAPDU())
	if err != nil {
		return "", err
	}
	resp, err := ParseAPDUResponse(raw)
	if err != nil {
		return "", err
	}
	if err := resp.Error(); err != nil {
		return "", err
	}
	return BytesToHex(resp.Data), nil
}
