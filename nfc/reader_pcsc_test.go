package nfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectReader(t *testing.T) {
	readers := []string{
		"Generic USB Reader 00 00",
		"ACS ACR1252 Dual Reader PICC 01 00",
		"ACS ACR122U PICC Interface 02 00",
	}

	tests := []struct {
		name    string
		readers []string
		want    string
		pick    string
		ok      bool
	}{
		{"prefers ACR1252", readers, "", "ACS ACR1252 Dual Reader PICC 01 00", true},
		{"exact name", readers, "ACS ACR122U PICC Interface 02 00", "ACS ACR122U PICC Interface 02 00", true},
		{"substring, case insensitive", readers, "acr122u", "ACS ACR122U PICC Interface 02 00", true},
		{"unknown name", readers, "Omnikey", "", false},
		{"single reader", readers[:1], "", "Generic USB Reader 00 00", true},
		{"none", nil, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectReader(tt.readers, tt.want)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.pick, got)
		})
	}
}

func TestFilterContactlessReaders(t *testing.T) {
	got := filterContactlessReaders([]string{"ACS ACR1252 PICC", "ACS ACR1252 SAM", "Other"})
	assert.Equal(t, []string{"ACS ACR1252 PICC", "Other"}, got)
}
