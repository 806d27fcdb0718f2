package phx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setChannelState(ch *Channel, state ChannelState) {
	ch.mu.Lock()
	ch.state = state
	ch.mu.Unlock()
}

func TestNewChannel(t *testing.T) {
	s, _, _ := newTestSocket()
	params := map[string]any{"user_id": 123}

	ch := s.Channel("room:lobby", params)

	assert.Equal(t, "room:lobby", ch.Topic())
	assert.Equal(t, params, ch.Params())
	assert.Equal(t, s, ch.socket)
	assert.Equal(t, ChannelClosed, ch.State())
	assert.False(t, ch.joinedOnce)
	assert.NotNil(t, ch.joinPush)
	assert.NotNil(t, ch.rejoinTimer)
	assert.Empty(t, ch.pushBuffer)
}

func TestChannelStateQueries(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	tests := []struct {
		state     ChannelState
		isClosed  bool
		isErrored bool
		isJoined  bool
		isJoining bool
		isLeaving bool
	}{
		{ChannelClosed, true, false, false, false, false},
		{ChannelErrored, false, true, false, false, false},
		{ChannelJoined, false, false, true, false, false},
		{ChannelJoining, false, false, false, true, false},
		{ChannelLeaving, false, false, false, false, true},
	}

	for _, test := range tests {
		setChannelState(ch, test.state)

		assert.Equal(t, test.isClosed, ch.IsClosed(), "state: %v", test.state)
		assert.Equal(t, test.isErrored, ch.IsErrored(), "state: %v", test.state)
		assert.Equal(t, test.isJoined, ch.IsJoined(), "state: %v", test.state)
		assert.Equal(t, test.isJoining, ch.IsJoining(), "state: %v", test.state)
		assert.Equal(t, test.isLeaving, ch.IsLeaving(), "state: %v", test.state)
		assert.Equal(t, test.state, ch.State())
	}
}

func TestChannelStateString(t *testing.T) {
	tests := []struct {
		state    ChannelState
		expected string
	}{
		{ChannelClosed, "closed"},
		{ChannelErrored, "errored"},
		{ChannelJoined, "joined"},
		{ChannelJoining, "joining"},
		{ChannelLeaving, "leaving"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.state.String())
	}
}

func TestChannelJoin(t *testing.T) {
	s, ft, _ := newTestSocket()
	require.NoError(t, s.Connect())
	ch := s.Channel("room:test", map[string]any{"one": "two"})

	push := ch.Join()

	assert.NotNil(t, push)
	assert.Same(t, ch.joinPush, push)
	assert.True(t, ch.joinedOnce)
	assert.Equal(t, ChannelJoining, ch.State())

	frames := ft.decodedFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, EventJoin, frames[0].Event)
	assert.Equal(t, "room:test", frames[0].Topic)
	assert.Equal(t, map[string]any{"one": "two"}, frames[0].Payload)
	assert.Equal(t, frames[0].Ref, frames[0].JoinRef)
	assert.Equal(t, ch.JoinRef(), frames[0].JoinRef)
}

func TestChannelJoinMultipleTimes(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	ch.Join()

	assert.Panics(t, func() {
		ch.Join()
	})
}

func TestChannelJoinWithTimeout(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	customTimeout := 5 * time.Second
	ch.Join(customTimeout)

	assert.Equal(t, customTimeout, ch.Timeout())
	assert.Equal(t, customTimeout, ch.joinPush.timeout)
}

func TestChannelJoinOkFlushesPushBuffer(t *testing.T) {
	s, ft, _ := newTestSocket()
	require.NoError(t, s.Connect())
	ch := s.Channel("room:test", nil)
	ch.Join()

	// submitted while joining: buffered, not sent
	ch.Push("first", map[string]any{"n": 1})
	ch.Push("second", map[string]any{"n": 2})
	assert.Equal(t, 1, ft.sentCount())

	joinRef := ch.JoinRef()
	ft.serverMessage(`[null,"` + joinRef + `","room:test","phx_reply",{"status":"ok","response":{}}]`)

	assert.Equal(t, ChannelJoined, ch.State())

	frames := ft.decodedFrames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, "first", frames[1].Event)
	assert.Equal(t, "second", frames[2].Event)
	assert.Equal(t, joinRef, frames[1].JoinRef)
	assert.Equal(t, joinRef, frames[2].JoinRef)

	ch.mu.RLock()
	remaining := len(ch.pushBuffer)
	ch.mu.RUnlock()
	assert.Zero(t, remaining)
}

func TestChannelJoinErrorSchedulesRejoin(t *testing.T) {
	s, ft, fs := newTestSocket()
	require.NoError(t, s.Connect())
	ch := s.Channel("room:test", nil)
	ch.Join()

	joinRef := ch.JoinRef()
	ft.serverMessage(`[null,"` + joinRef + `","room:test","phx_reply",{"status":"error","response":{"reason":"denied"}}]`)

	assert.Equal(t, ChannelErrored, ch.State())

	// default rejoin back-off starts at one second
	fs.advance(time.Second)
	assert.Equal(t, ChannelJoining, ch.State())
	assert.NotEqual(t, joinRef, ch.JoinRef())
}

func TestChannelJoinTimeout(t *testing.T) {
	s, ft, fs := newTestSocket()
	require.NoError(t, s.Connect())
	ch := s.Channel("room:test", nil)

	var timedOut bool
	ch.Join().Receive("timeout", func(any) { timedOut = true })

	fs.advance(10 * time.Second)

	assert.True(t, timedOut)
	assert.Equal(t, ChannelErrored, ch.State())

	// the channel gives up its half-open join on the server side
	frames := ft.decodedFrames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, EventLeave, frames[1].Event)
}

func TestChannelPushBeforeJoin(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	assert.Panics(t, func() {
		ch.Push("test_event", nil)
	})
}

func TestChannelPushBuffering(t *testing.T) {
	s, _, fs := newTestSocket()
	ch := s.Channel("room:test", nil)

	ch.mu.Lock()
	ch.joinedOnce = true
	ch.state = ChannelJoined
	ch.mu.Unlock()

	// socket never connected: not pushable
	push := ch.Push("test_event", map[string]any{})

	ch.mu.RLock()
	buffered := len(ch.pushBuffer)
	ch.mu.RUnlock()
	assert.Equal(t, 1, buffered)
	assert.False(t, push.IsSent())
	// the timeout clock runs while buffered
	assert.NotEmpty(t, push.Ref())
	assert.Equal(t, 1, fs.pendingCount())
}

func TestChannelLeave(t *testing.T) {
	s, ft, _ := newTestSocket()
	require.NoError(t, s.Connect())
	ch := joinedChannel(s, "room:test")

	push := ch.Leave()
	assert.Equal(t, ChannelLeaving, ch.State())

	frames := ft.decodedFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, EventLeave, frames[0].Event)

	ft.serverMessage(`[null,"` + push.Ref() + `","room:test","phx_reply",{"status":"ok","response":{}}]`)

	assert.Equal(t, ChannelClosed, ch.State())
	s.mu.RLock()
	registered := len(s.channels)
	s.mu.RUnlock()
	assert.Zero(t, registered)
}

func TestChannelLeaveWhenNotPushable(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := joinedChannel(s, "room:test")

	// socket down: the leave completes via a locally synthesized ok
	var completed bool
	push := ch.Leave()
	push.Receive("ok", func(any) { completed = true })

	assert.True(t, completed)
	assert.Equal(t, ChannelClosed, ch.State())
}

func TestChannelLeaveWithTimeout(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := joinedChannel(s, "room:test")

	customTimeout := 3 * time.Second
	push := ch.Leave(customTimeout)

	assert.Equal(t, customTimeout, push.timeout)
}

func TestChannelEventHandlers(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	var eventReceived bool
	var receivedPayload any

	ref := ch.On("test_event", func(payload any) {
		eventReceived = true
		receivedPayload = payload
	})
	assert.Greater(t, ref, 0)

	testPayload := map[string]any{"test": true}
	ch.trigger("test_event", testPayload, "", "")

	assert.True(t, eventReceived)
	assert.Equal(t, testPayload, receivedPayload)
}

func TestChannelOffEvent(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	baseline := len(ch.bindings)

	ref1 := ch.On("test_event", func(any) {})
	ch.On("test_event", func(any) {})
	ch.On("other_event", func(any) {})
	assert.Len(t, ch.bindings, baseline+3)

	ch.Off("test_event", ref1)
	assert.Len(t, ch.bindings, baseline+2)

	ch.Off("test_event")
	assert.Len(t, ch.bindings, baseline+1)
}

func TestChannelIsMember(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	ch.joinPush.mu.Lock()
	ch.joinPush.ref = "join123"
	ch.joinPush.mu.Unlock()

	tests := []struct {
		name     string
		msg      *Message
		expected bool
	}{
		{
			name:     "matching topic and join ref",
			msg:      &Message{Topic: "room:test", Event: EventClose, JoinRef: "join123"},
			expected: true,
		},
		{
			name:     "matching topic, no join ref",
			msg:      &Message{Topic: "room:test", Event: "new_msg"},
			expected: true,
		},
		{
			name:     "different topic",
			msg:      &Message{Topic: "room:other", Event: "new_msg", JoinRef: "join123"},
			expected: false,
		},
		{
			name:     "stale join ref on lifecycle event",
			msg:      &Message{Topic: "room:test", Event: EventClose, JoinRef: "join456"},
			expected: false,
		},
		{
			name:     "stale join ref on application event",
			msg:      &Message{Topic: "room:test", Event: "new_msg", JoinRef: "join456"},
			expected: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, ch.isMember(test.msg))
		})
	}
}

func TestChannelCanPush(t *testing.T) {
	s, ft, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	assert.False(t, ch.canPush())

	require.NoError(t, s.Connect())
	assert.False(t, ch.canPush())

	setChannelState(ch, ChannelJoined)
	assert.True(t, ch.canPush())

	ft.serverClose(CloseNormal)
	assert.False(t, ch.canPush())
}

func TestChannelSetParamsMirroredIntoJoin(t *testing.T) {
	s, ft, _ := newTestSocket()
	require.NoError(t, s.Connect())
	ch := s.Channel("room:test", map[string]any{"token": "old"})

	ch.SetParams(map[string]any{"token": "new"})
	ch.Join()

	frames := ft.decodedFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]any{"token": "new"}, frames[0].Payload)
}

func TestChannelErrorWhileJoiningClearsBufferedJoin(t *testing.T) {
	s, _, _ := newTestSocket()
	ch := s.Channel("room:test", nil)

	// join while the socket is down: the join frame lands in the send
	// buffer
	ch.Join()
	joinRef := ch.JoinRef()
	require.NotEmpty(t, joinRef)
	s.mu.RLock()
	buffered := len(s.sendBuffer)
	s.mu.RUnlock()
	require.Equal(t, 1, buffered)

	ch.trigger(EventError, nil, "", "")

	assert.Equal(t, ChannelErrored, ch.State())
	assert.Empty(t, ch.JoinRef())
	s.mu.RLock()
	buffered = len(s.sendBuffer)
	s.mu.RUnlock()
	assert.Zero(t, buffered)
}

func TestChannelPhxCloseRemovesFromSocket(t *testing.T) {
	s, ft, _ := newTestSocket()
	require.NoError(t, s.Connect())
	ch := s.Channel("room:test", nil)
	ch.Join()
	joinRef := ch.JoinRef()

	ft.serverMessage(`["` + joinRef + `",null,"room:test","phx_close",{}]`)

	assert.Equal(t, ChannelClosed, ch.State())
	s.mu.RLock()
	registered := len(s.channels)
	s.mu.RUnlock()
	assert.Zero(t, registered)
}

func TestChannelRejoinEvictsDuplicateTopic(t *testing.T) {
	s, ft, _ := newTestSocket()
	require.NoError(t, s.Connect())

	chA := s.Channel("room:dup", nil)
	chB := s.Channel("room:dup", nil)

	chA.Join()
	ft.serverMessage(`[null,"` + chA.JoinRef() + `","room:dup","phx_reply",{"status":"ok","response":{}}]`)
	require.Equal(t, ChannelJoined, chA.State())

	before := ft.sentCount()
	chB.Join()

	frames := ft.decodedFrames(t)
	require.Greater(t, ft.sentCount(), before+1)

	// the duplicate's leave goes out before the fresh join
	assert.Equal(t, EventLeave, frames[before].Event)
	assert.Equal(t, "room:dup", frames[before].Topic)
	assert.Equal(t, EventJoin, frames[before+1].Event)
	assert.Equal(t, ChannelLeaving, chA.State())
	assert.Equal(t, ChannelJoining, chB.State())
}
