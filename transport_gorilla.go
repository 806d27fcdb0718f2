package phx

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = 5 * time.Second

// WebsocketTransport is the default Transport, backed by
// gorilla/websocket. Dialing happens on its own goroutine so Connect
// never blocks the caller; a read loop delivers delegate callbacks.
type WebsocketTransport struct {
	mu         sync.Mutex
	writeMu    sync.Mutex // gorilla supports one concurrent writer
	endpoint   *url.URL
	dialer     *websocket.Dialer
	conn       *websocket.Conn
	delegate   TransportDelegate
	readyState ReadyState

	// close code requested locally, reported to the delegate when the
	// read loop winds down
	localClose bool
	localCode  int
}

// NewWebsocketTransport builds a gorilla-backed transport for the
// endpoint. TLS configuration goes through Dialer.
func NewWebsocketTransport(endpoint *url.URL) Transport {
	return &WebsocketTransport{
		endpoint:   normalizeWebsocketScheme(endpoint),
		dialer:     websocket.DefaultDialer,
		readyState: TransportClosed,
	}
}

// Dialer exposes the underlying dialer so callers can adjust TLS or
// handshake settings before Connect.
func (t *WebsocketTransport) Dialer() *websocket.Dialer {
	return t.dialer
}

func (t *WebsocketTransport) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readyState
}

func (t *WebsocketTransport) Connect(delegate TransportDelegate) {
	t.mu.Lock()
	if t.readyState == TransportConnecting || t.readyState == TransportOpen {
		t.mu.Unlock()
		return
	}
	t.delegate = delegate
	t.readyState = TransportConnecting
	t.localClose = false
	t.mu.Unlock()

	go t.dial(delegate)
}

func (t *WebsocketTransport) dial(delegate TransportDelegate) {
	conn, _, err := t.dialer.Dial(t.endpoint.String(), nil)
	if err != nil {
		t.mu.Lock()
		t.readyState = TransportClosed
		t.mu.Unlock()
		delegate.HandleError(err)
		delegate.HandleClose(websocket.CloseAbnormalClosure)
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.readyState = TransportOpen
	t.mu.Unlock()

	delegate.HandleOpen()
	t.readLoop(conn, delegate)
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn, delegate TransportDelegate) {
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			delegate.HandleMessage(data)
			continue
		}

		t.mu.Lock()
		local := t.localClose
		code := t.localCode
		t.conn = nil
		t.readyState = TransportClosed
		t.mu.Unlock()

		if !local {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			} else {
				code = websocket.CloseAbnormalClosure
				delegate.HandleError(err)
			}
		}

		conn.Close()
		delegate.HandleClose(code)
		return
	}
}

func (t *WebsocketTransport) Disconnect(code int, reason string) error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.readyState = TransportClosed
		t.mu.Unlock()
		return nil
	}
	t.readyState = TransportClosing
	t.localClose = true
	t.localCode = code
	t.mu.Unlock()

	deadline := time.Now().Add(closeWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return conn.Close()
}

func (t *WebsocketTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
