package phx

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// NhooyrTransport is an alternative Transport backed by
// nhooyr.io/websocket, for callers that need a custom HTTP client,
// proxy, or TLS setup on the dial path.
type NhooyrTransport struct {
	mu         sync.Mutex
	endpoint   *url.URL
	httpClient *http.Client
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	readyState ReadyState

	localClose bool
	localCode  int
}

func NewNhooyrTransport(endpoint *url.URL) Transport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	return &NhooyrTransport{
		endpoint: normalizeWebsocketScheme(endpoint),
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: tr,
		},
		readyState: TransportClosed,
	}
}

// SetHTTPClient replaces the client used for the WebSocket handshake.
// Call before Connect.
func (t *NhooyrTransport) SetHTTPClient(client *http.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.httpClient = client
}

func (t *NhooyrTransport) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readyState
}

func (t *NhooyrTransport) Connect(delegate TransportDelegate) {
	t.mu.Lock()
	if t.readyState == TransportConnecting || t.readyState == TransportOpen {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.ctx = ctx
	t.cancel = cancel
	t.readyState = TransportConnecting
	t.localClose = false
	t.mu.Unlock()

	go t.dial(ctx, delegate)
}

func (t *NhooyrTransport) dial(ctx context.Context, delegate TransportDelegate) {
	conn, _, err := websocket.Dial(ctx, t.endpoint.String(), &websocket.DialOptions{
		HTTPClient: t.httpClient,
	})
	if err != nil {
		t.mu.Lock()
		t.readyState = TransportClosed
		t.mu.Unlock()
		delegate.HandleError(err)
		delegate.HandleClose(int(websocket.StatusAbnormalClosure))
		return
	}
	conn.SetReadLimit(-1)

	t.mu.Lock()
	t.conn = conn
	t.readyState = TransportOpen
	t.mu.Unlock()

	delegate.HandleOpen()
	t.readLoop(ctx, conn, delegate)
}

func (t *NhooyrTransport) readLoop(ctx context.Context, conn *websocket.Conn, delegate TransportDelegate) {
	for {
		_, data, err := conn.Read(ctx)
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
			if status := websocket.CloseStatus(err); status != -1 {
				code = int(status)
			} else {
				code = int(websocket.StatusAbnormalClosure)
				delegate.HandleError(err)
			}
		}

		conn.Close(websocket.StatusNormalClosure, "")
		delegate.HandleClose(code)
		return
	}
}

func (t *NhooyrTransport) Disconnect(code int, reason string) error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	if conn == nil {
		t.readyState = TransportClosed
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	t.readyState = TransportClosing
	t.localClose = true
	t.localCode = code
	t.mu.Unlock()

	err := conn.Close(websocket.StatusCode(code), reason)
	cancel()
	return err
}

func (t *NhooyrTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	ctx := t.ctx
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport not connected")
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
