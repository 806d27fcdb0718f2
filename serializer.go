package phx

import (
	"encoding/json"
	"fmt"
)

// EncodeFunc turns a message into a wire frame. DecodeFunc is its
// inverse. The socket ships with the serializer v2 pair below; both
// are replaceable through SocketOptions.
type EncodeFunc func(msg *Message) ([]byte, error)

type DecodeFunc func(data []byte) (*Message, error)

// EncodeV2 encodes a message as the serializer v2 JSON array:
//
//	[join_ref_or_null, ref_or_null, topic, event, payload]
func EncodeV2(msg *Message) ([]byte, error) {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	frame := []any{
		nullableRef(msg.JoinRef),
		nullableRef(msg.Ref),
		msg.Topic,
		msg.Event,
		payload,
	}
	return json.Marshal(frame)
}

// DecodeV2 decodes a serializer v2 JSON array into a message.
func DecodeV2(data []byte) (*Message, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if len(frame) != 5 {
		return nil, fmt.Errorf("invalid frame: expected 5 elements, got %d", len(frame))
	}

	msg := &Message{}

	var err error
	if msg.JoinRef, err = decodeRef(frame[0]); err != nil {
		return nil, fmt.Errorf("invalid join_ref: %w", err)
	}
	if msg.Ref, err = decodeRef(frame[1]); err != nil {
		return nil, fmt.Errorf("invalid ref: %w", err)
	}
	if err = json.Unmarshal(frame[2], &msg.Topic); err != nil {
		return nil, fmt.Errorf("invalid topic: %w", err)
	}
	if err = json.Unmarshal(frame[3], &msg.Event); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if err = json.Unmarshal(frame[4], &msg.Payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	return msg, nil
}

func nullableRef(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}

func decodeRef(raw json.RawMessage) (string, error) {
	var ref *string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", err
	}
	if ref == nil {
		return "", nil
	}
	return *ref, nil
}
