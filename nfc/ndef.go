package nfc

import (
	"fmt"

	"github.com/hsanjuan/go-ndef"
)

// EncodeURI builds a single well-known URI record (prefix compressed),
// framed as TLV and padded to whole pages, ready for WriteMessage.
func EncodeURI(uri string) ([]byte, error) {
	if uri == "" {
		return nil, NewInvalidDataError("EncodeURI", "empty URI")
	}
	payload, err := ndef.NewURIMessage(uri).Marshal()
	if err != nil {
		return nil, fmt.Errorf("EncodeURI: %w", err)
	}
	return WrapTLV(payload)
}

// Decode returns the URI, or the text, of the first URI or text record in
// a raw page dump. Anything unreadable is reported as absent.
func Decode(raw []byte) (string, bool) {
	s, err := DecodeMessage(raw)
	if err != nil {
		return "", false
	}
	return s, true
}

// DecodeMessage is Decode with the failure cause: ErrNoTLV, ErrEmptyTLV,
// ErrMalformedTLV or ErrBadPayload.
func DecodeMessage(raw []byte) (s string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = "", fmt.Errorf("%w: %v", ErrBadPayload, r)
		}
	}()

	if len(raw) < 2 {
		return "", ErrNoTLV
	}

	value, err := FindNDEF(raw)
	if err != nil {
		return "", err
	}

	msg := &ndef.Message{}
	if _, err := msg.Unmarshal(value); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	for _, rec := range msg.Records {
		if rec.TNF() != ndef.NFCForumWellKnownType {
			continue
		}
		if t := rec.Type(); t != "U" && t != "T" {
			continue
		}
		p, err := rec.Payload()
		if err != nil {
			continue
		}
		if out := p.String(); out != "" {
			return out, nil
		}
	}
	return "", ErrBadPayload
}
