package mesh

import "context"

// Link is a raw bidirectional, reliable, ordered message pipe to one peer.
// Write blocks until the message is handed to the underlying transport.
type Link interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Inbound is a link accepted by an Endpoint, tagged with the one-time token
// the dialer presented.
type Inbound struct {
	Token string
	Link  Link
}

// Endpoint is a node's attachment point for direct links. The addresses it
// reports are exchanged through the relay as negotiation candidates. The
// Accept channel is never closed; consumers stop on their own context.
type Endpoint interface {
	Addrs() []string
	Dial(ctx context.Context, addr, token string) (Link, error)
	Accept() <-chan Inbound
	Close() error
}
