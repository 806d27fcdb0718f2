package phx

import "fmt"

// Reserved channel lifecycle events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"
)

// replyEventPrefix builds the synthetic event a reply is routed to.
const replyEventPrefix = "chan_reply_"

func isLifecycleEvent(event string) bool {
	switch event {
	case EventJoin, EventLeave, EventReply, EventError, EventClose:
		return true
	}
	return false
}

// Message is a single Phoenix wire frame. JoinRef and Ref are opaque
// decimal strings; an empty string encodes as null on the wire.
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload any
}

// ReplyPayload is the shape of a phx_reply payload: the server status
// plus the response object handed to Receive hooks.
type ReplyPayload struct {
	Status   string
	Response any
}

// GetReplyPayload extracts the status/response pair from a reply frame.
func GetReplyPayload(msg *Message) (*ReplyPayload, error) {
	if msg.Event != EventReply {
		return nil, fmt.Errorf("message is not a reply: %q", msg.Event)
	}

	payloadMap, ok := msg.Payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid reply payload format")
	}

	status, ok := payloadMap["status"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid status in reply")
	}

	return &ReplyPayload{
		Status:   status,
		Response: payloadMap["response"],
	}, nil
}
