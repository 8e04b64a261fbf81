package nats

import (
	"os"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens the NATS connection used by a Bus.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ConnectURL returns a Connector dialing natsURL.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		all := append([]natsgo.Option{
			natsgo.Name("stoat"),
			natsgo.MaxReconnects(3),
		}, opts...)
		nc, err := natsgo.Connect(natsURL, all...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault dials NATS_URL, or the NATS default URL when unset.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}

// Existing wraps an already open connection. Closing the bus does not close it.
func Existing(nc *natsgo.Conn) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		return nc, func() {}, nil
	}
}
