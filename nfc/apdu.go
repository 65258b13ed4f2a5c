package nfc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// APDU status words
const (
	SW1Success = 0x90
	SW2Success = 0x00
	SW1NACK    = 0x63 // NTAG busy/collision, worth retrying
)

// PC/SC pseudo-APDU instructions (CLA 0xFF)
const (
	CLAPCSC       = 0xFF
	INSGetUID     = 0xCA
	INSReadBinary = 0xB0
	INSUpdateBin  = 0xD6
)

// APDUResponse is a response split into data and status word.
type APDUResponse struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// IsSuccess reports SW 90 00.
func (r APDUResponse) IsSuccess() bool {
	return r.SW1 == SW1Success && r.SW2 == SW2Success
}

// IsNACK reports a 0x63 status, which the NTAG returns while busy.
func (r APDUResponse) IsNACK() bool {
	return r.SW1 == SW1NACK
}

// Error returns nil on success and a status-word error otherwise.
func (r APDUResponse) Error() error {
	if r.IsSuccess() {
		return nil
	}
	return fmt.Errorf("APDU error: SW1=%02X SW2=%02X", r.SW1, r.SW2)
}

// StatusWord returns SW1SW2 as one value.
func (r APDUResponse) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// ParseAPDUResponse splits a raw reader response.
func ParseAPDUResponse(raw []byte) (APDUResponse, error) {
	if len(raw) < 2 {
		return APDUResponse{}, errors.New("response too short")
	}
	return APDUResponse{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// GetUIDAPDU is FF CA 00 00 00.
func GetUIDAPDU() []byte {
	return []byte{CLAPCSC, INSGetUID, 0x00, 0x00, 0x00}
}

// ReadPageAPDU reads one 4-byte page: FF B0 00 <page> 04.
func ReadPageAPDU(page byte) []byte {
	return []byte{CLAPCSC, INSReadBinary, 0x00, page, PageSize}
}

// WritePageAPDU writes one 4-byte page: FF D6 00 <page> 04 <data>.
func WritePageAPDU(page byte, data []byte) []byte {
	cmd := make([]byte, 0, 5+PageSize)
	cmd = append(cmd, CLAPCSC, INSUpdateBin, 0x00, page, PageSize)
	return append(cmd, data...)
}

// BytesToHex formats bytes as uppercase hex, e.g. a UID.
func BytesToHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

func spacedHex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}
