package phx

import (
	"fmt"
	"sync"
	"time"
)

// ChannelState is the per-topic FSM state.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelErrored
	ChannelJoined
	ChannelJoining
	ChannelLeaving
)

func (cs ChannelState) String() string {
	switch cs {
	case ChannelClosed:
		return "closed"
	case ChannelErrored:
		return "errored"
	case ChannelJoined:
		return "joined"
	case ChannelJoining:
		return "joining"
	case ChannelLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// EventCallback handles a channel event payload.
type EventCallback func(payload any)

type eventBinding struct {
	event    string
	ref      int
	callback EventCallback
}

// Channel is a per-topic multiplex endpoint on the socket. Outbound
// pushes are buffered until the channel reaches joined; inbound
// lifecycle frames from a prior join incarnation are dropped by
// join ref.
type Channel struct {
	mu         sync.RWMutex
	topic      string
	params     map[string]any
	socket     *Socket
	state      ChannelState
	bindings   []eventBinding
	bindingRef int
	timeout    time.Duration
	joinedOnce bool
	joinPush   *Push
	pushBuffer []*Push

	rejoinTimer     *TimeoutTimer
	stateChangeRefs []int
}

func newChannel(topic string, params map[string]any, socket *Socket) *Channel {
	if params == nil {
		params = map[string]any{}
	}

	ch := &Channel{
		topic:   topic,
		params:  params,
		socket:  socket,
		state:   ChannelClosed,
		timeout: socket.options.Timeout,
	}

	ch.rejoinTimer = NewTimeoutTimer(func() {
		if ch.socket.IsConnected() {
			ch.rejoin()
		}
	}, socket.options.RejoinAfter, socket.scheduler)

	ch.stateChangeRefs = append(ch.stateChangeRefs,
		socket.OnError(func(error) {
			ch.rejoinTimer.Reset()
		}),
		socket.OnOpen(func() {
			ch.rejoinTimer.Reset()
			if ch.IsErrored() {
				ch.rejoin()
			}
		}),
	)

	ch.setupJoinPush()

	ch.On(EventClose, func(any) {
		ch.rejoinTimer.Reset()
		socket.log.Debug().Str("topic", ch.topic).Str("join_ref", ch.JoinRef()).Msg("channel close")
		ch.mu.Lock()
		ch.state = ChannelClosed
		ch.mu.Unlock()
		socket.Remove(ch)
	})

	ch.On(EventError, func(payload any) {
		if ch.IsLeaving() || ch.IsClosed() {
			return
		}
		socket.log.Debug().Str("topic", ch.topic).Msg("channel error")
		ch.mu.Lock()
		wasJoining := ch.state == ChannelJoining
		ch.state = ChannelErrored
		ch.mu.Unlock()
		if wasJoining {
			// drop the stale join frame so a reopened socket does not
			// retransmit it verbatim
			socket.removeFromSendBuffer(ch.joinPush.Ref())
			ch.joinPush.Reset()
		}
		if socket.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
	})

	return ch
}

func (ch *Channel) setupJoinPush() {
	ch.joinPush = newPush(ch, EventJoin, func() any { return ch.Params() }, ch.timeout)

	ch.joinPush.Receive("ok", func(any) {
		ch.mu.Lock()
		ch.state = ChannelJoined
		buffered := ch.pushBuffer
		ch.pushBuffer = nil
		ch.mu.Unlock()

		ch.rejoinTimer.Reset()
		for _, p := range buffered {
			p.Send()
		}
	})

	ch.joinPush.Receive("error", func(any) {
		ch.mu.Lock()
		ch.state = ChannelErrored
		ch.mu.Unlock()
		if ch.socket.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
	})

	ch.joinPush.Receive("timeout", func(any) {
		ch.socket.log.Debug().Str("topic", ch.topic).Str("join_ref", ch.JoinRef()).Msg("join timeout")

		leavePush := newPush(ch, EventLeave, emptyPayload, ch.Timeout())
		leavePush.Send()

		ch.mu.Lock()
		ch.state = ChannelErrored
		ch.mu.Unlock()
		ch.joinPush.Reset()

		if ch.socket.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
	})
}

// Join sends the join push. It may be called at most once per channel
// instance; observe the result by attaching Receive hooks to the
// returned push.
func (ch *Channel) Join(timeout ...time.Duration) *Push {
	ch.mu.Lock()
	if ch.joinedOnce {
		ch.mu.Unlock()
		panic("tried to join multiple times. 'Join' can only be called a single time per channel instance")
	}
	if len(timeout) > 0 {
		ch.timeout = timeout[0]
	}
	ch.joinedOnce = true
	ch.mu.Unlock()

	ch.rejoin()
	return ch.joinPush
}

// rejoin re-enters joining, evicting any duplicate live channel for
// the same topic first so the server never sees two live joins.
func (ch *Channel) rejoin() {
	if ch.IsLeaving() {
		return
	}

	ch.socket.leaveOpenTopic(ch.topic, ch)

	ch.mu.Lock()
	ch.state = ChannelJoining
	timeout := ch.timeout
	ch.mu.Unlock()

	ch.joinPush.Resend(timeout)
}

// Leave sends phx_leave and transitions the channel to closed on an ok
// reply, on timeout, or immediately (synthesized ok) when the channel
// is not pushable. An error reply leaves the channel in leaving.
func (ch *Channel) Leave(timeout ...time.Duration) *Push {
	leaveTimeout := ch.Timeout()
	if len(timeout) > 0 {
		leaveTimeout = timeout[0]
	}

	ch.rejoinTimer.Reset()
	ch.joinPush.CancelTimeout()

	// evaluated before entering leaving: a joined channel on an open
	// socket waits for the server's reply
	pushable := ch.canPush()

	ch.mu.Lock()
	ch.state = ChannelLeaving
	ch.mu.Unlock()

	onClose := func(any) {
		ch.socket.log.Debug().Str("topic", ch.topic).Msg("channel leave")
		ch.trigger(EventClose, map[string]any{"reason": "leave"}, "", "")
	}

	leavePush := newPush(ch, EventLeave, emptyPayload, leaveTimeout)
	leavePush.Receive("ok", onClose)
	leavePush.Receive("timeout", onClose)
	leavePush.Send()

	if !pushable {
		leavePush.trigger("ok", map[string]any{})
	}

	return leavePush
}

// Push sends an event to the server, buffering it until joined when
// the channel cannot push yet. Calling Push before Join is a
// programming error.
func (ch *Channel) Push(event string, payload any, timeout ...time.Duration) *Push {
	if payload == nil {
		payload = map[string]any{}
	}

	ch.mu.Lock()
	if !ch.joinedOnce {
		ch.mu.Unlock()
		panic(fmt.Sprintf("tried to push %q to %q before joining. Use channel.Join() before pushing events", event, ch.topic))
	}
	pushTimeout := ch.timeout
	if len(timeout) > 0 {
		pushTimeout = timeout[0]
	}
	ch.mu.Unlock()

	p := newPush(ch, event, func() any { return payload }, pushTimeout)

	if ch.canPush() {
		p.Send()
	} else {
		p.StartTimeout()
		ch.mu.Lock()
		ch.pushBuffer = append(ch.pushBuffer, p)
		ch.mu.Unlock()
	}

	return p
}

// On registers an event handler and returns a ref for Off.
func (ch *Channel) On(event string, callback EventCallback) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.bindingRef++
	ref := ch.bindingRef
	ch.bindings = append(ch.bindings, eventBinding{event: event, ref: ref, callback: callback})
	return ref
}

// Off removes all handlers for event, or just the one with the given
// ref.
func (ch *Channel) Off(event string, ref ...int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	kept := ch.bindings[:0]
	for _, binding := range ch.bindings {
		if binding.event != event {
			kept = append(kept, binding)
			continue
		}
		if len(ref) > 0 && binding.ref != ref[0] {
			kept = append(kept, binding)
		}
	}
	ch.bindings = kept
}

// canPush reports whether a push may go out immediately: socket open
// and channel joined.
func (ch *Channel) canPush() bool {
	return ch.socket.IsConnected() && ch.IsJoined()
}

func (ch *Channel) IsClosed() bool  { return ch.State() == ChannelClosed }
func (ch *Channel) IsErrored() bool { return ch.State() == ChannelErrored }
func (ch *Channel) IsJoined() bool  { return ch.State() == ChannelJoined }
func (ch *Channel) IsJoining() bool { return ch.State() == ChannelJoining }
func (ch *Channel) IsLeaving() bool { return ch.State() == ChannelLeaving }

// State returns the current FSM state.
func (ch *Channel) State() ChannelState {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

// Topic returns the channel topic.
func (ch *Channel) Topic() string {
	return ch.topic
}

// JoinRef is the ref of the current join push; it changes on every
// rejoin and stamps every outbound frame from this channel.
func (ch *Channel) JoinRef() string {
	return ch.joinPush.Ref()
}

// Timeout returns the default push/join timeout.
func (ch *Channel) Timeout() time.Duration {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.timeout
}

// Params returns the channel params sent with the join push.
func (ch *Channel) Params() map[string]any {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.params
}

// SetParams replaces the params; the join push payload picks them up
// on the next (re)join.
func (ch *Channel) SetParams(params map[string]any) {
	if params == nil {
		params = map[string]any{}
	}
	ch.mu.Lock()
	ch.params = params
	ch.mu.Unlock()
}

// isMember reports whether an inbound frame belongs to this channel.
// Lifecycle frames stamped with a stale join ref are dropped.
func (ch *Channel) isMember(msg *Message) bool {
	if ch.topic != msg.Topic {
		return false
	}

	if msg.JoinRef != "" && msg.JoinRef != ch.JoinRef() && isLifecycleEvent(msg.Event) {
		ch.socket.log.Debug().
			Str("topic", msg.Topic).
			Str("event", msg.Event).
			Str("join_ref", msg.JoinRef).
			Msg("dropping outdated message")
		return false
	}

	return true
}

// handleMessage dispatches an inbound frame already claimed by
// isMember.
func (ch *Channel) handleMessage(msg *Message) {
	ch.trigger(msg.Event, msg.Payload, msg.Ref, msg.JoinRef)
}

// trigger invokes the handlers bound to event. Reply frames are
// additionally routed to the synthetic chan_reply_<ref> event so the
// matching push completes.
func (ch *Channel) trigger(event string, payload any, ref string, joinRef string) {
	handled := ch.onMessage(event, payload, ref, joinRef)

	ch.mu.RLock()
	matched := make([]eventBinding, 0, 4)
	for _, binding := range ch.bindings {
		if binding.event == event {
			matched = append(matched, binding)
		}
	}
	ch.mu.RUnlock()

	for _, binding := range matched {
		binding.callback(handled)
	}

	if event == EventReply && ref != "" {
		ch.trigger(replyEventPrefix+ref, payload, ref, joinRef)
	}
}

// onMessage is a hook applied to every inbound event before handlers
// run; the default passes the payload through.
func (ch *Channel) onMessage(event string, payload any, ref string, joinRef string) any {
	return payload
}

func emptyPayload() any {
	return map[string]any{}
}
