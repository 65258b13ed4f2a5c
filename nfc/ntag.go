package nfc

import "fmt"

// NTAG213 memory layout. NTAG215/216 share the reserved and data start
// pages; only the NTAG213 data area is addressed.
const (
	PageSize      = 4
	LockPage      = 2
	CCPage        = 3
	FirstDataPage = 4
	LastDataPage  = 39
	DataAreaSize  = (LastDataPage - FirstDataPage + 1) * PageSize

	CFG0Page = 0x29 // byte 3: AUTH0
	CFG1Page = 0x2A // byte 0: ACCESS
	PWDPage  = 0x2B
	PACKPage = 0x2C

	// AUTH0 values past the last page (0x2C) disable password protection;
	// the factory default is 0xFF.
	AUTH0Disabled = 0x2D

	accessPROT = 0x80 // set: reads need the password too
)

// CapabilityContainer marks the tag as NDEF formatted, version 1.0,
// 144 bytes of data area, read/write.
var CapabilityContainer = []byte{0xE1, 0x10, 0x12, 0x00}

// FormatCapabilityContainer writes the CC unless page 3 already carries the
// E1 10 magic.
func (t *PageTransport) FormatCapabilityContainer() error {
	if cc, ok := t.ReadPage(CCPage); ok && cc[0] == 0xE1 && cc[1] == 0x10 {
		return nil
	}
	t.logger.Info().Msg("formatting capability container")
	if err := t.WritePage(CCPage, CapabilityContainer); err != nil {
		return fmt.Errorf("format capability container: %w", err)
	}
	return nil
}

// IsLocked reports whether the static lock bytes on page 2 are both 0xFF.
// An unreadable lock page counts as unlocked.
func (t *PageTransport) IsLocked() bool {
	lock, ok := t.ReadPage(LockPage)
	if !ok {
		return false
	}
	return lock[2] == 0xFF && lock[3] == 0xFF
}

// LockPermanently sets both static lock bytes. This cannot be undone.
func (t *PageTransport) LockPermanently() error {
	lock, ok := t.ReadPage(LockPage)
	if !ok {
		return &NFCError{Code: ErrCodeReadFailed, Op: "LockPermanently", Page: LockPage, Message: "could not read lock bytes"}
	}
	updated := []byte{lock[0], lock[1], 0xFF, 0xFF}
	if err := t.WritePage(LockPage, updated); err != nil {
		return fmt.Errorf("lock tag: %w", err)
	}
	t.logger.Info().Msg("tag locked permanently")
	return nil
}

// PasswordAck derives the 2-byte PACK the tag returns after a successful
// PWD_AUTH.
func PasswordAck(password []byte) [2]byte {
	return [2]byte{password[0] ^ 0xAA, password[1] ^ 0x55}
}

// SetPasswordProtection protects the data area against writes. Reads stay
// open. AUTH0 is written last so an interrupted setup never leaves the tag
// guarded by a password that was not stored.
func (t *PageTransport) SetPasswordProtection(password []byte) error {
	if len(password) != PageSize {
		return NewInvalidDataError("SetPasswordProtection", "password must be %d bytes, got %d", PageSize, len(password))
	}

	if err := t.WritePage(PWDPage, password); err != nil {
		return fmt.Errorf("write password: %w", err)
	}

	pack := PasswordAck(password)
	if err := t.WritePage(PACKPage, []byte{pack[0], pack[1], 0x00, 0x00}); err != nil {
		return fmt.Errorf("write PACK: %w", err)
	}

	cfg1, ok := t.ReadPage(CFG1Page)
	if !ok {
		return &NFCError{Code: ErrCodeReadFailed, Op: "SetPasswordProtection", Page: CFG1Page, Message: "could not read ACCESS"}
	}
	cfg1 = append([]byte(nil), cfg1...)
	cfg1[0] &^= accessPROT
	if err := t.WritePage(CFG1Page, cfg1); err != nil {
		return fmt.Errorf("write ACCESS: %w", err)
	}

	cfg0, ok := t.ReadPage(CFG0Page)
	if !ok {
		return &NFCError{Code: ErrCodeReadFailed, Op: "SetPasswordProtection", Page: CFG0Page, Message: "could not read AUTH0"}
	}
	cfg0 = append([]byte(nil), cfg0...)
	cfg0[3] = FirstDataPage
	if err := t.WritePage(CFG0Page, cfg0); err != nil {
		return fmt.Errorf("write AUTH0: %w", err)
	}

	t.logger.Info().Msg("password protection enabled")
	return nil
}

// IsPasswordProtected reports whether AUTH0 points inside the tag's
// address space.
func (t *PageTransport) IsPasswordProtected() bool {
	cfg0, ok := t.ReadPage(CFG0Page)
	if !ok {
		return false
	}
	return cfg0[3] < AUTH0Disabled
}
