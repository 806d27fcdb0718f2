package phx

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeScheduler is a virtual clock. Tasks are recorded and run only
// when the test advances time explicitly.
type fakeScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	tasks []*fakeTask
}

type fakeTask struct {
	s        *fakeScheduler
	at       time.Duration
	fn       func()
	canceled bool
}

func (t *fakeTask) Cancel() {
	t.s.mu.Lock()
	t.canceled = true
	t.s.mu.Unlock()
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &fakeTask{s: s, at: s.now + d, fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

// advance moves the virtual clock forward, running due tasks in time
// order. Tasks may schedule further tasks inside the same advance.
func (s *fakeScheduler) advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	for {
		var next *fakeTask
		idx := -1
		for i, task := range s.tasks {
			if task.canceled || task.at > target {
				continue
			}
			if next == nil || task.at < next.at {
				next = task
				idx = i
			}
		}
		if next == nil {
			break
		}
		s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
		if next.at > s.now {
			s.now = next.at
		}
		s.mu.Unlock()
		next.fn()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

func (s *fakeScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, task := range s.tasks {
		if !task.canceled {
			count++
		}
	}
	return count
}

// fakeTransport records outbound frames and lets tests inject server
// frames, errors and close codes. The factory hands out the same
// instance on every connect so tests can count connection attempts.
type fakeTransport struct {
	mu          sync.Mutex
	state       ReadyState
	delegate    TransportDelegate
	sent        [][]byte
	urls        []string
	connects    int
	disconnects []int
	autoOpen    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: TransportClosed, autoOpen: true}
}

func (t *fakeTransport) factory() TransportFactory {
	return func(endpoint *url.URL) Transport {
		t.mu.Lock()
		t.urls = append(t.urls, endpoint.String())
		t.mu.Unlock()
		return t
	}
}

func (t *fakeTransport) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Connect(delegate TransportDelegate) {
	t.mu.Lock()
	t.delegate = delegate
	t.connects++
	auto := t.autoOpen
	if auto {
		t.state = TransportOpen
	} else {
		t.state = TransportConnecting
	}
	t.mu.Unlock()

	if auto {
		delegate.HandleOpen()
	}
}

func (t *fakeTransport) Disconnect(code int, reason string) error {
	t.mu.Lock()
	t.disconnects = append(t.disconnects, code)
	t.state = TransportClosed
	delegate := t.delegate
	t.mu.Unlock()

	if delegate != nil {
		delegate.HandleClose(code)
	}
	return nil
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

// open completes a connect started with autoOpen disabled.
func (t *fakeTransport) open() {
	t.mu.Lock()
	t.state = TransportOpen
	delegate := t.delegate
	t.mu.Unlock()
	delegate.HandleOpen()
}

func (t *fakeTransport) serverMessage(raw string) {
	t.mu.Lock()
	delegate := t.delegate
	t.mu.Unlock()
	delegate.HandleMessage([]byte(raw))
}

func (t *fakeTransport) serverClose(code int) {
	t.mu.Lock()
	t.state = TransportClosed
	delegate := t.delegate
	t.mu.Unlock()
	delegate.HandleClose(code)
}

func (t *fakeTransport) serverError(err error) {
	t.mu.Lock()
	delegate := t.delegate
	t.mu.Unlock()
	delegate.HandleError(err)
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) disconnectCodes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.disconnects...)
}

// decodedFrames decodes every frame written to the transport.
func (t *fakeTransport) decodedFrames(tb testing.TB) []*Message {
	tb.Helper()
	t.mu.Lock()
	raw := append([][]byte(nil), t.sent...)
	t.mu.Unlock()

	frames := make([]*Message, 0, len(raw))
	for _, data := range raw {
		msg, err := DecodeV2(data)
		require.NoError(tb, err)
		frames = append(frames, msg)
	}
	return frames
}

// newTestSocket wires a socket to a fake transport and a virtual
// clock. Heartbeats are off unless a test opts back in.
func newTestSocket(opts ...func(*SocketOptions)) (*Socket, *fakeTransport, *fakeScheduler) {
	ft := newFakeTransport()
	fs := newFakeScheduler()

	options := &SocketOptions{
		Transport:     ft.factory(),
		Scheduler:     fs,
		SkipHeartbeat: true,
	}
	for _, opt := range opts {
		opt(options)
	}

	return NewSocket("ws://localhost:4000/socket", options), ft, fs
}
