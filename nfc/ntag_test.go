package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockPermanently(t *testing.T) {
	tag := NewMockTagWithURL("04112233445566", "https://example.com/item/1")
	tr, _ := newTestTransport(tag, nil)

	assert.False(t, tr.IsLocked())
	require.NoError(t, tr.LockPermanently())
	assert.True(t, tr.IsLocked())

	lock := tag.Page(LockPage)
	assert.Equal(t, byte(0xFF), lock[2])
	assert.Equal(t, byte(0xFF), lock[3])

	// Data is still readable, but no longer writable.
	got, err := tr.ReadNDEF()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/item/1", got)
	assert.True(t, IsNACKError(tr.WritePage(5, []byte{0, 0, 0, 0})))
}

func TestIsLockedUnreadable(t *testing.T) {
	tag := NewMockTag("")
	tag.Lock()
	tag.Remove()
	tr, _ := newTestTransport(tag, nil)
	assert.False(t, tr.IsLocked())
}

func TestLockPermanentlyUnreadable(t *testing.T) {
	tag := NewMockTag("")
	tag.Remove()
	tr, _ := newTestTransport(tag, nil)
	assert.Equal(t, ErrCodeReadFailed, GetErrorCode(tr.LockPermanently()))
}

func TestSetPasswordProtection(t *testing.T) {
	tag := NewMockTag("")
	tr, _ := newTestTransport(tag, nil)

	assert.False(t, tr.IsPasswordProtected())
	require.NoError(t, tr.SetPasswordProtection([]byte("1234")))

	assert.Equal(t, []int{PWDPage, PACKPage, CFG1Page, CFG0Page}, tag.WrittenPages())
	assert.Equal(t, []byte("1234"), tag.Page(PWDPage))
	assert.Equal(t, []byte{'1' ^ 0xAA, '2' ^ 0x55, 0x00, 0x00}, tag.Page(PACKPage))
	assert.Zero(t, tag.Page(CFG1Page)[0]&accessPROT)
	assert.Equal(t, byte(FirstDataPage), tag.Page(CFG0Page)[3])
	assert.True(t, tr.IsPasswordProtected())

	// Reads stay open, writes need the password.
	_, ok := tr.ReadPage(FirstDataPage)
	assert.True(t, ok)
	assert.True(t, IsNACKError(tr.WritePage(FirstDataPage, []byte{0, 0, 0, 0})))
}

func TestSetPasswordProtectionClearsPROT(t *testing.T) {
	tag := NewMockTag("")
	tag.SetPage(CFG1Page, []byte{accessPROT | 0x05, 0, 0, 0})
	tr, _ := newTestTransport(tag, nil)

	require.NoError(t, tr.SetPasswordProtection([]byte("abcd")))
	assert.Equal(t, byte(0x05), tag.Page(CFG1Page)[0])
}

func TestSetPasswordProtectionLength(t *testing.T) {
	tag := NewMockTag("")
	tr, _ := newTestTransport(tag, nil)

	err := tr.SetPasswordProtection([]byte("123"))
	assert.Equal(t, ErrCodeInvalidData, GetErrorCode(err))
	assert.Empty(t, tag.WrittenPages())
}

func TestPasswordAck(t *testing.T) {
	assert.Equal(t, [2]byte{0x00 ^ 0xAA, 0xFF ^ 0x55}, PasswordAck([]byte{0x00, 0xFF, 0x01, 0x02}))
}

func TestFormatCapabilityContainer(t *testing.T) {
	tag := NewMockTag("")
	tr, _ := newTestTransport(tag, nil)
	require.NoError(t, tr.FormatCapabilityContainer())
	assert.Empty(t, tag.WrittenPages())

	tag.SetPage(CCPage, []byte{0, 0, 0, 0})
	require.NoError(t, tr.FormatCapabilityContainer())
	assert.Equal(t, []int{CCPage}, tag.WrittenPages())
	assert.Equal(t, CapabilityContainer, tag.Page(CCPage))
}
