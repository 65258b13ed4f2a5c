package nfc

// Card is one connected tag session on the reader. The monitor owns it for
// the duration of a single HandleCard call and closes it afterwards.
type Card interface {
	// Transmit sends one APDU and returns the raw response including SW1 SW2.
	Transmit(apdu []byte) ([]byte, error)

	// Reconnect re-establishes the session, preferring the T=1 protocol.
	Reconnect() error

	// UID returns the tag UID in hex, or "" when the reader did not report it.
	UID() string

	// Close disconnects, leaving the card powered.
	Close() error
}
