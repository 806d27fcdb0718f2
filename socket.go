package phx

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Close codes the socket consumes.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// ErrMalformedEndpoint reports an endpoint URL that cannot be parsed.
var ErrMalformedEndpoint = errors.New("malformed endpoint URL")

// SocketOptions configures the socket behavior.
type SocketOptions struct {
	// Timeout for push and join operations (default: 10 seconds)
	Timeout time.Duration

	// HeartbeatInterval between heartbeats (default: 30 seconds)
	HeartbeatInterval time.Duration

	// SkipHeartbeat disables heartbeats entirely
	SkipHeartbeat bool

	// ReconnectAfter returns the socket reconnect back-off
	ReconnectAfter func(tries int) time.Duration

	// RejoinAfter returns the channel rejoin back-off
	RejoinAfter func(tries int) time.Duration

	// Logger is the diagnostic sink (default: no-op)
	Logger *zerolog.Logger

	// Params are static query params sent on connect
	Params map[string]any

	// ParamsClosure supplies dynamic query params, re-evaluated on
	// every connect; takes precedence over Params
	ParamsClosure func() map[string]any

	// VSN is the serializer version query value (default: "2.0.0")
	VSN string

	// Encode/Decode replace the wire codec (default: serializer v2)
	Encode EncodeFunc
	Decode DecodeFunc

	// Transport builds the WebSocket transport (default: gorilla)
	Transport TransportFactory

	// Scheduler drives all timers (default: runtime timers)
	Scheduler Scheduler
}

// DefaultReconnectAfter is the stepped socket reconnect back-off,
// saturating at 5 seconds.
func DefaultReconnectAfter(tries int) time.Duration {
	intervals := []time.Duration{
		10 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		150 * time.Millisecond,
		200 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
	}

	if tries-1 < len(intervals) {
		return intervals[tries-1]
	}
	return 5 * time.Second
}

// DefaultRejoinAfter is the stepped channel rejoin back-off,
// saturating at 10 seconds.
func DefaultRejoinAfter(tries int) time.Duration {
	intervals := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
	}

	if tries-1 < len(intervals) {
		return intervals[tries-1]
	}
	return 10 * time.Second
}

func setDefaultOptions(options *SocketOptions) {
	if options.Timeout == 0 {
		options.Timeout = 10 * time.Second
	}
	if options.HeartbeatInterval == 0 {
		options.HeartbeatInterval = 30 * time.Second
	}
	if options.ReconnectAfter == nil {
		options.ReconnectAfter = DefaultReconnectAfter
	}
	if options.RejoinAfter == nil {
		options.RejoinAfter = DefaultRejoinAfter
	}
	if options.Logger == nil {
		nop := zerolog.Nop()
		options.Logger = &nop
	}
	if options.VSN == "" {
		options.VSN = "2.0.0"
	}
	if options.Encode == nil {
		options.Encode = EncodeV2
	}
	if options.Decode == nil {
		options.Decode = DecodeV2
	}
	if options.Transport == nil {
		options.Transport = NewWebsocketTransport
	}
	if options.Scheduler == nil {
		options.Scheduler = runtimeScheduler{}
	}
}

// SocketState is the connection state as seen by callers.
type SocketState int

const (
	StateClosed SocketState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (ss SocketState) String() string {
	switch ss {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// closeStatus tracks why the connection went (or is going) down; it
// decides whether a reconnect gets scheduled when the transport
// reports closed.
type closeStatus int

const (
	closeUnknown closeStatus = iota
	closeClean
	closeTemporary
	closeAbnormal
)

func (cs closeStatus) shouldReconnect() bool {
	return cs == closeUnknown || cs == closeAbnormal
}

func closeStatusFromCode(code int) closeStatus {
	switch code {
	case CloseNormal:
		return closeClean
	case CloseGoingAway:
		return closeTemporary
	default:
		return closeAbnormal
	}
}

type sendBufferEntry struct {
	ref  string
	send func()
}

type openBinding struct {
	ref int
	fn  func()
}

type closeBinding struct {
	ref int
	fn  func(code int)
}

type errorBinding struct {
	ref int
	fn  func(err error)
}

type messageBinding struct {
	ref int
	fn  func(msg *Message)
}

// Socket multiplexes channels over a single WebSocket connection and
// supervises it: reconnect back-off, heartbeat, outbound buffering,
// inbound demultiplexing and ref allocation.
type Socket struct {
	endpoint  string
	options   *SocketOptions
	log       zerolog.Logger
	scheduler Scheduler

	mu                  sync.RWMutex
	transport           Transport
	channels            []*Channel
	sendBuffer          []sendBufferEntry
	ref                 uint64
	pendingHeartbeatRef string
	closeStatus         closeStatus

	bindingRef      int
	openBindings    []openBinding
	closeBindings   []closeBinding
	errorBindings   []errorBinding
	messageBindings []messageBinding

	reconnectTimer *TimeoutTimer
	heartbeatTimer *HeartbeatTimer
}

// NewSocket creates a socket for the endpoint. The connection is not
// opened until Connect.
func NewSocket(endpoint string, options *SocketOptions) *Socket {
	if options == nil {
		options = &SocketOptions{}
	}
	setDefaultOptions(options)

	s := &Socket{
		endpoint:  endpoint,
		options:   options,
		log:       *options.Logger,
		scheduler: options.Scheduler,
	}

	s.reconnectTimer = NewTimeoutTimer(func() {
		s.log.Debug().Msg("reconnect timer fired")
		s.teardown(CloseNormal, "reconnect")
		if err := s.Connect(); err != nil {
			s.log.Error().Err(err).Msg("reconnect failed")
		}
	}, options.ReconnectAfter, s.scheduler)

	s.heartbeatTimer = NewHeartbeatTimer(options.HeartbeatInterval, s.scheduler)

	return s
}

// Connect opens the transport. It is a no-op while a connection is
// open or being opened. The endpoint URL is rebuilt against the params
// provider on every call.
func (s *Socket) Connect() error {
	// the params provider runs outside the socket lock
	endpointURL, err := s.buildEndpointURL()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.transport != nil {
		rs := s.transport.ReadyState()
		if rs == TransportOpen || rs == TransportConnecting {
			s.mu.Unlock()
			return nil
		}
	}

	s.closeStatus = closeUnknown
	transport := s.options.Transport(endpointURL)
	s.transport = transport
	s.mu.Unlock()

	s.log.Debug().Str("endpoint", endpointURL.String()).Msg("connecting")
	transport.Connect(s)
	return nil
}

// Disconnect closes the connection with a normal close code. Closing
// an already closed socket is a no-op.
func (s *Socket) Disconnect() {
	s.DisconnectWithCode(CloseNormal, "", nil)
}

// DisconnectWithCode closes the connection with the given close code,
// suppresses reconnection, and invokes callback once teardown has been
// requested.
func (s *Socket) DisconnectWithCode(code int, reason string, callback func()) {
	s.mu.Lock()
	s.closeStatus = closeClean
	s.mu.Unlock()

	s.reconnectTimer.Reset()
	s.teardown(code, reason)

	if callback != nil {
		callback()
	}
}

func (s *Socket) teardown(code int, reason string) {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()

	s.heartbeatTimer.Stop()

	if transport != nil && transport.ReadyState() != TransportClosed {
		transport.Disconnect(code, reason)
	}
}

// Channel constructs and registers a channel for the topic. Multiple
// channels with the same topic may coexist transiently during rejoin;
// the duplicate is evicted when either rejoins.
func (s *Socket) Channel(topic string, params map[string]any) *Channel {
	ch := newChannel(topic, params, s)
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch
}

// Remove drops the channel from the registry, matching on its join
// ref, and unregisters its socket listeners.
func (s *Socket) Remove(ch *Channel) {
	joinRef := ch.JoinRef()

	s.mu.RLock()
	snapshot := append([]*Channel(nil), s.channels...)
	s.mu.RUnlock()

	doomed := make(map[*Channel]bool, 1)
	for _, c := range snapshot {
		if c == ch || (joinRef != "" && c.JoinRef() == joinRef) {
			doomed[c] = true
		}
	}

	s.mu.Lock()
	kept := s.channels[:0]
	for _, c := range s.channels {
		if !doomed[c] {
			kept = append(kept, c)
		}
	}
	s.channels = kept
	s.mu.Unlock()

	s.Off(ch.stateChangeRefs...)
}

// leaveOpenTopic asks any live duplicate of topic to leave before the
// caller rejoins, so the server never holds two live joins for one
// topic.
func (s *Socket) leaveOpenTopic(topic string, caller *Channel) {
	s.mu.RLock()
	snapshot := append([]*Channel(nil), s.channels...)
	s.mu.RUnlock()

	for _, c := range snapshot {
		if c == caller || c.Topic() != topic {
			continue
		}
		if c.IsJoined() || c.IsJoining() {
			s.log.Debug().Str("topic", topic).Msg("leaving duplicate topic")
			c.Leave()
		}
	}
}

// push encodes and writes the frame if the transport is open,
// otherwise enqueues it into the send buffer in FIFO order.
func (s *Socket) push(msg *Message) {
	send := func() {
		data, err := s.options.Encode(msg)
		if err != nil {
			s.log.Error().Err(err).Str("topic", msg.Topic).Str("event", msg.Event).Msg("failed to encode message")
			return
		}
		s.mu.RLock()
		transport := s.transport
		s.mu.RUnlock()
		if transport == nil {
			return
		}
		if err := transport.Send(data); err != nil {
			s.log.Error().Err(err).Str("topic", msg.Topic).Str("event", msg.Event).Msg("failed to send message")
		}
	}

	s.mu.Lock()
	if s.isConnectedLocked() {
		s.mu.Unlock()
		send()
		return
	}
	s.sendBuffer = append(s.sendBuffer, sendBufferEntry{ref: msg.Ref, send: send})
	s.mu.Unlock()
}

// removeFromSendBuffer drops buffered sends carrying the given ref.
func (s *Socket) removeFromSendBuffer(ref string) {
	if ref == "" {
		return
	}
	s.mu.Lock()
	kept := s.sendBuffer[:0]
	for _, entry := range s.sendBuffer {
		if entry.ref != ref {
			kept = append(kept, entry)
		}
	}
	s.sendBuffer = kept
	s.mu.Unlock()
}

// MakeRef returns the next ref. The counter is monotonically
// non-decreasing across the socket lifetime and wraps to 0 on
// overflow.
func (s *Socket) MakeRef() string {
	s.mu.Lock()
	s.ref++
	ref := s.ref
	s.mu.Unlock()
	return strconv.FormatUint(ref, 10)
}

// IsConnected reports whether the transport is open.
func (s *Socket) IsConnected() bool {
	return s.ConnectionState() == StateOpen
}

// ConnectionState maps the transport ready state to the caller-facing
// connection state.
func (s *Socket) ConnectionState() SocketState {
	s.mu.RLock()
	transport := s.transport
	s.mu.RUnlock()

	if transport == nil {
		return StateClosed
	}
	switch transport.ReadyState() {
	case TransportConnecting:
		return StateConnecting
	case TransportOpen:
		return StateOpen
	case TransportClosing:
		return StateClosing
	default:
		return StateClosed
	}
}

// isConnectedLocked must run with the lock held.
func (s *Socket) isConnectedLocked() bool {
	return s.transport != nil && s.transport.ReadyState() == TransportOpen
}

// buildEndpointURL normalizes the endpoint path, sets the serializer
// version, and merges the params provider.
func (s *Socket) buildEndpointURL() (*url.URL, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedEndpoint, s.endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedEndpoint, s.endpoint)
	}

	if !strings.Contains(u.Path, "/websocket") {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		u.Path += "websocket"
	}

	q := u.Query()
	q.Set("vsn", s.options.VSN)
	for k, v := range s.paramsSnapshot() {
		q.Set(k, fmt.Sprintf("%v", v))
	}
	u.RawQuery = q.Encode()

	return u, nil
}

func (s *Socket) paramsSnapshot() map[string]any {
	if s.options.ParamsClosure != nil {
		return s.options.ParamsClosure()
	}
	return s.options.Params
}

// OnOpen registers a socket-opened listener and returns a ref for Off.
func (s *Socket) OnOpen(fn func()) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindingRef++
	s.openBindings = append(s.openBindings, openBinding{ref: s.bindingRef, fn: fn})
	return s.bindingRef
}

// OnClose registers a socket-closed listener and returns a ref for
// Off.
func (s *Socket) OnClose(fn func(code int)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindingRef++
	s.closeBindings = append(s.closeBindings, closeBinding{ref: s.bindingRef, fn: fn})
	return s.bindingRef
}

// OnError registers a socket-errored listener and returns a ref for
// Off.
func (s *Socket) OnError(fn func(err error)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindingRef++
	s.errorBindings = append(s.errorBindings, errorBinding{ref: s.bindingRef, fn: fn})
	return s.bindingRef
}

// OnMessage registers a listener for every decoded inbound frame and
// returns a ref for Off.
func (s *Socket) OnMessage(fn func(msg *Message)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindingRef++
	s.messageBindings = append(s.messageBindings, messageBinding{ref: s.bindingRef, fn: fn})
	return s.bindingRef
}

// Off removes the listeners with the given refs from all registries.
func (s *Socket) Off(refs ...int) {
	drop := make(map[int]bool, len(refs))
	for _, ref := range refs {
		drop[ref] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keptOpen := s.openBindings[:0]
	for _, b := range s.openBindings {
		if !drop[b.ref] {
			keptOpen = append(keptOpen, b)
		}
	}
	s.openBindings = keptOpen

	keptClose := s.closeBindings[:0]
	for _, b := range s.closeBindings {
		if !drop[b.ref] {
			keptClose = append(keptClose, b)
		}
	}
	s.closeBindings = keptClose

	keptError := s.errorBindings[:0]
	for _, b := range s.errorBindings {
		if !drop[b.ref] {
			keptError = append(keptError, b)
		}
	}
	s.errorBindings = keptError

	keptMessage := s.messageBindings[:0]
	for _, b := range s.messageBindings {
		if !drop[b.ref] {
			keptMessage = append(keptMessage, b)
		}
	}
	s.messageBindings = keptMessage
}

// HandleOpen implements TransportDelegate. It clears the close status,
// flushes the send buffer, resets the reconnect back-off and restarts
// the heartbeat.
func (s *Socket) HandleOpen() {
	s.log.Debug().Str("endpoint", s.endpoint).Msg("connected")

	s.mu.Lock()
	s.closeStatus = closeUnknown
	buffered := s.sendBuffer
	s.sendBuffer = nil
	s.mu.Unlock()

	for _, entry := range buffered {
		entry.send()
	}

	s.reconnectTimer.Reset()

	if !s.options.SkipHeartbeat {
		s.heartbeatTimer.Start(s.sendHeartbeat)
	}

	for _, b := range s.copyOpenBindings() {
		b.fn()
	}
}

// HandleClose implements TransportDelegate. Channels not already
// errored, leaving or closed observe a channel error; a reconnect is
// scheduled iff the close status calls for one.
func (s *Socket) HandleClose(code int) {
	s.log.Debug().Int("code", code).Msg("connection closed")

	s.triggerChanError()
	s.heartbeatTimer.Stop()

	s.mu.Lock()
	// a client-side abnormal mark (heartbeat timeout) survives the
	// transport's own close code
	if s.closeStatus != closeAbnormal {
		s.closeStatus = closeStatusFromCode(code)
	}
	shouldReconnect := s.closeStatus.shouldReconnect()
	s.mu.Unlock()

	if shouldReconnect {
		s.reconnectTimer.ScheduleTimeout()
	}

	for _, b := range s.copyCloseBindings() {
		b.fn(code)
	}
}

// HandleError implements TransportDelegate. Error listeners run first
// so a channel's rejoin-timer reset does not cancel the rejoin the
// channel-error fan-out schedules.
func (s *Socket) HandleError(err error) {
	s.log.Debug().Err(err).Msg("connection error")

	for _, b := range s.copyErrorBindings() {
		b.fn(err)
	}

	s.triggerChanError()
}

// HandleMessage implements TransportDelegate. Malformed frames are
// logged and dropped; heartbeat replies clear the pending beat; every
// channel claiming membership receives the frame.
func (s *Socket) HandleMessage(data []byte) {
	msg, err := s.options.Decode(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to decode message")
		return
	}

	s.mu.Lock()
	if msg.Ref != "" && msg.Ref == s.pendingHeartbeatRef {
		s.pendingHeartbeatRef = ""
	}
	snapshot := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	for _, ch := range snapshot {
		if ch.isMember(msg) {
			ch.handleMessage(msg)
		}
	}

	for _, b := range s.copyMessageBindings() {
		b.fn(msg)
	}
}

// sendHeartbeat runs on every heartbeat tick. An unacknowledged prior
// beat marks the close abnormal and closes the transport so the
// reconnect machinery takes over.
func (s *Socket) sendHeartbeat() {
	s.mu.Lock()
	transport := s.transport
	if transport == nil || transport.ReadyState() != TransportOpen {
		s.mu.Unlock()
		return
	}
	if s.pendingHeartbeatRef != "" {
		s.pendingHeartbeatRef = ""
		s.closeStatus = closeAbnormal
		s.mu.Unlock()
		s.log.Debug().Msg("heartbeat timeout, closing connection")
		transport.Disconnect(CloseNormal, "heartbeat timeout")
		return
	}
	s.mu.Unlock()

	ref := s.MakeRef()
	s.mu.Lock()
	s.pendingHeartbeatRef = ref
	s.mu.Unlock()

	s.push(&Message{
		Topic:   "phoenix",
		Event:   EventHeartbeat,
		Payload: map[string]any{},
		Ref:     ref,
	})
}

// triggerChanError fans a channel error out to every channel not
// already errored, leaving or closed.
func (s *Socket) triggerChanError() {
	s.mu.RLock()
	snapshot := append([]*Channel(nil), s.channels...)
	s.mu.RUnlock()

	for _, ch := range snapshot {
		if ch.IsErrored() || ch.IsLeaving() || ch.IsClosed() {
			continue
		}
		ch.trigger(EventError, nil, "", "")
	}
}

func (s *Socket) copyOpenBindings() []openBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]openBinding(nil), s.openBindings...)
}

func (s *Socket) copyCloseBindings() []closeBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]closeBinding(nil), s.closeBindings...)
}

func (s *Socket) copyErrorBindings() []errorBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]errorBinding(nil), s.errorBindings...)
}

func (s *Socket) copyMessageBindings() []messageBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]messageBinding(nil), s.messageBindings...)
}
