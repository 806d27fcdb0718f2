package phx

import (
	"sync"
	"time"
)

// receiveHook is a per-status reply observer attached with Receive.
type receiveHook struct {
	status   string
	callback func(response any)
}

// Push is a single request/response exchange on a channel. It
// allocates a ref when sent, registers a one-shot correlator for the
// matching reply, and fails with a "timeout" status when no reply
// arrives within its timeout. A timeout of zero never expires. The
// first completion wins; later replies to the same ref are ignored.
type Push struct {
	channel *Channel
	event   string
	payload func() any

	mu           sync.RWMutex
	receivedResp *ReplyPayload
	timeout      time.Duration
	timeoutTask  ScheduledTask
	recHooks     []receiveHook
	sent         bool
	ref          string
	refEvent     string
	refEventRef  int
}

func newPush(channel *Channel, event string, payload func() any, timeout time.Duration) *Push {
	return &Push{
		channel: channel,
		event:   event,
		payload: payload,
		timeout: timeout,
	}
}

// Resend resets and re-sends the push with a new timeout. Used by the
// channel on rejoin so the join push gets a fresh ref.
func (p *Push) Resend(timeout time.Duration) {
	p.mu.Lock()
	p.timeout = timeout
	p.reset()
	p.mu.Unlock()
	p.Send()
}

// Send writes the push to the socket, or lets the socket enqueue it if
// the transport is down. A push that already timed out stays dead.
func (p *Push) Send() {
	if p.channel == nil {
		return
	}

	p.mu.Lock()
	if p.hasReceived("timeout") {
		p.mu.Unlock()
		return
	}
	p.startTimeout()
	p.sent = true
	ref := p.ref
	p.mu.Unlock()

	// JoinRef is read outside the lock: for the join push itself it
	// resolves to the ref allocated above.
	p.channel.socket.push(&Message{
		Topic:   p.channel.Topic(),
		Event:   p.event,
		Payload: p.payload(),
		Ref:     ref,
		JoinRef: p.channel.JoinRef(),
	})
}

// Receive registers a callback for a reply status. A status already
// recorded replays immediately.
func (p *Push) Receive(status string, callback func(response any)) *Push {
	p.mu.Lock()
	var replay any
	replayHit := false
	if p.hasReceived(status) {
		replay = p.receivedResp.Response
		replayHit = true
	}
	p.recHooks = append(p.recHooks, receiveHook{status: status, callback: callback})
	p.mu.Unlock()

	if replayHit {
		callback(replay)
	}
	return p
}

// Reset clears the ref, the correlator, and any recorded reply so the
// push can be sent again.
func (p *Push) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

// reset must run with the lock held.
func (p *Push) reset() {
	p.cancelRefEvent()
	p.cancelTimeout()
	p.ref = ""
	p.refEvent = ""
	p.receivedResp = nil
	p.sent = false
}

// StartTimeout arms the timeout clock and the reply correlator without
// sending; the channel uses it for pushes buffered while not joined.
func (p *Push) StartTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startTimeout()
}

// startTimeout must run with the lock held.
func (p *Push) startTimeout() {
	if p.timeoutTask != nil || p.refEvent != "" {
		p.reset()
	}

	p.ref = p.channel.socket.MakeRef()
	p.refEvent = replyEventPrefix + p.ref

	p.refEventRef = p.channel.On(p.refEvent, func(payload any) {
		p.mu.Lock()
		p.cancelRefEvent()
		p.cancelTimeout()

		reply, err := GetReplyPayload(&Message{Event: EventReply, Payload: payload})
		if err != nil {
			p.mu.Unlock()
			return
		}
		p.receivedResp = reply
		p.mu.Unlock()

		p.matchReceive(reply)
	})

	if p.timeout <= 0 {
		return
	}
	p.timeoutTask = p.channel.socket.scheduler.AfterFunc(p.timeout, func() {
		p.trigger("timeout", map[string]any{})
	})
}

// trigger synthesizes a reply on the owning channel; the channel uses
// it to complete a leave push locally when the socket is not pushable.
func (p *Push) trigger(status string, response any) {
	if p.channel == nil {
		return
	}
	p.mu.RLock()
	refEvent := p.refEvent
	ref := p.ref
	p.mu.RUnlock()
	if refEvent == "" {
		return
	}

	payload := map[string]any{
		"status":   status,
		"response": response,
	}
	p.channel.trigger(refEvent, payload, ref, "")
}

// CancelTimeout stops the timeout clock without touching the
// correlator.
func (p *Push) CancelTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelTimeout()
}

// cancelTimeout must run with the lock held.
func (p *Push) cancelTimeout() {
	if p.timeoutTask != nil {
		p.timeoutTask.Cancel()
		p.timeoutTask = nil
	}
}

// cancelRefEvent must run with the lock held.
func (p *Push) cancelRefEvent() {
	if p.refEvent != "" && p.refEventRef != 0 {
		p.channel.Off(p.refEvent, p.refEventRef)
		p.refEventRef = 0
	}
}

func (p *Push) matchReceive(reply *ReplyPayload) {
	p.mu.RLock()
	hooks := make([]receiveHook, len(p.recHooks))
	copy(hooks, p.recHooks)
	p.mu.RUnlock()

	for _, hook := range hooks {
		if hook.status == reply.Status {
			hook.callback(reply.Response)
		}
	}
}

// hasReceived must run with the lock held.
func (p *Push) hasReceived(status string) bool {
	return p.receivedResp != nil && p.receivedResp.Status == status
}

// HasReceived reports whether a reply with the given status was
// recorded.
func (p *Push) HasReceived(status string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasReceived(status)
}

// Response returns the recorded reply, if any.
func (p *Push) Response() *ReplyPayload {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.receivedResp
}

// IsSent reports whether the push was handed to the socket.
func (p *Push) IsSent() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sent
}

// Ref returns the allocated ref, or "" before Send or StartTimeout has
// allocated one and after Reset.
func (p *Push) Ref() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ref
}
