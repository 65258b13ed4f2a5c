package rewrite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsMissingFileGivesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
	assert.True(t, s.VerifyAfterWrite)
	assert.Equal(t, DefaultRule(), s.Rule())
}

func TestSaveAndLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", SettingsFileName)

	want := DefaultSettings()
	want.TargetBaseURL = "https://inventory.example/item/"
	want.UsePasswordProtection = true
	want.TagPassword = "ab12"
	want.TTSEnabled = false

	require.NoError(t, SaveSettings(path, want))

	got, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadSettingsPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"target_base_url":"https://t/"}`), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "https://t/", s.TargetBaseURL)
	assert.Equal(t, DefaultPattern, s.SourcePattern)
	assert.True(t, s.VerifyAfterWrite)
}

func TestLoadSettingsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	s, err := LoadSettings(path)
	assert.Error(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	assert.NoError(t, s.Validate())

	s.UsePasswordProtection = true
	s.TagPassword = "abc"
	assert.Error(t, s.Validate())

	s.TagPassword = "abcd"
	assert.NoError(t, s.Validate())

	s.SourcePattern = "(("
	assert.Error(t, s.Validate())
}
