package chathub

// Client is a live duplex channel to one user. The hub only ever hands it
// encoded frames; how they reach the user is up to the implementation.
type Client interface {
	// GetUserID returns the opaque identifier of the user behind the client.
	GetUserID() string

	// Deliver queues frame for the client without blocking. It returns false
	// when the frame was dropped because the client is closed or its buffer
	// is full.
	Deliver(frame []byte) bool

	// Run starts the client's read and write pumps.
	Run()
	// Close abandons pending frames and tears down the connection. Safe to
	// call more than once.
	Close()
}
