package phx

import "net/url"

// ReadyState mirrors the WebSocket connection lifecycle as seen by the
// socket.
type ReadyState int

const (
	TransportConnecting ReadyState = iota
	TransportOpen
	TransportClosing
	TransportClosed
)

func (rs ReadyState) String() string {
	switch rs {
	case TransportConnecting:
		return "connecting"
	case TransportOpen:
		return "open"
	case TransportClosing:
		return "closing"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// TransportDelegate receives connection events from a Transport. The
// socket implements it; every callback may be invoked from the
// transport's own goroutines.
type TransportDelegate interface {
	HandleOpen()
	HandleMessage(data []byte)
	HandleError(err error)
	HandleClose(code int)
}

// Transport is the contract the socket consumes from a WebSocket
// implementation. Connect must not block on network I/O.
type Transport interface {
	ReadyState() ReadyState
	Connect(delegate TransportDelegate)
	Disconnect(code int, reason string) error
	Send(data []byte) error
}

// TransportFactory builds a transport for the given endpoint. The
// socket calls it on every connect so reconnects get a fresh handle.
type TransportFactory func(endpoint *url.URL) Transport

// normalizeWebsocketScheme upgrades http(s) endpoints to their ws(s)
// equivalents. ws/wss and unrecognized schemes pass through untouched.
func normalizeWebsocketScheme(u *url.URL) *url.URL {
	out := *u
	switch u.Scheme {
	case "http":
		out.Scheme = "ws"
	case "https":
		out.Scheme = "wss"
	}
	return &out
}
