package nfc

import "fmt"

// TLV block types found in the NTAG data area
const (
	TLVNull        = 0x00
	TLVLockCtrl    = 0x01
	TLVMemCtrl     = 0x02
	TLVNDEF        = 0x03
	TLVProprietary = 0xFD
	TLVTerminator  = 0xFE
)

// MaxNDEFLength is the largest NDEF message a one-byte TLV length can carry.
// 0xFF would announce the three-byte form, which NTAG213 never needs.
const MaxNDEFLength = 0xFE

// WrapTLV frames an NDEF message as 03 <len> <msg> FE and zero pads the
// result to a whole number of pages.
func WrapTLV(msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, NewInvalidDataError("WrapTLV", "empty NDEF message")
	}
	if len(msg) > MaxNDEFLength {
		return nil, NewInvalidDataError("WrapTLV", "NDEF message is %d bytes, limit %d", len(msg), MaxNDEFLength)
	}

	out := make([]byte, 0, padToPage(len(msg)+3))
	out = append(out, TLVNDEF, byte(len(msg)))
	out = append(out, msg...)
	out = append(out, TLVTerminator)
	for len(out)%PageSize != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

// FindNDEF returns the value of the first NDEF TLV in a raw page dump.
// Lock and memory control TLVs are skipped by their length; if the walk
// hits bytes that are not a TLV it falls back to scanning for 0x03.
func FindNDEF(raw []byte) ([]byte, error) {
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case TLVNull:
			i++
		case TLVTerminator:
			return nil, ErrNoTLV
		case TLVNDEF:
			return ndefValueAt(raw, i)
		case TLVLockCtrl, TLVMemCtrl, TLVProprietary:
			if i+1 >= len(raw) || raw[i+1] == 0xFF {
				return scanNDEF(raw, i+1)
			}
			i += 2 + int(raw[i+1])
		default:
			return scanNDEF(raw, i)
		}
	}
	return nil, ErrNoTLV
}

// scanNDEF is the garbage tolerant fallback: first 0x03 byte from start on.
func scanNDEF(raw []byte, start int) ([]byte, error) {
	for i := start; i < len(raw); i++ {
		if raw[i] == TLVNDEF {
			return ndefValueAt(raw, i)
		}
	}
	return nil, ErrNoTLV
}

func ndefValueAt(raw []byte, i int) ([]byte, error) {
	if i+1 >= len(raw) {
		return nil, fmt.Errorf("%w: length byte missing", ErrMalformedTLV)
	}
	n := int(raw[i+1])
	switch {
	case n == 0:
		return nil, ErrEmptyTLV
	case n == 0xFF:
		return nil, fmt.Errorf("%w: three-byte length form", ErrMalformedTLV)
	case i+2+n > len(raw):
		return nil, fmt.Errorf("%w: length %d runs past %d available bytes", ErrMalformedTLV, n, len(raw)-i-2)
	}
	return raw[i+2 : i+2+n], nil
}

func padToPage(n int) int {
	if r := n % PageSize; r != 0 {
		return n + PageSize - r
	}
	return n
}
