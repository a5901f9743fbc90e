package ws

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Serialize wraps a frame in the {type, payload} wire envelope.
func Serialize(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SerializedMessage{Type: msg.GetType(), Payload: payload})
}

// Deserialize decodes a wire envelope into its registered frame type.
func Deserialize(jsonBytes []byte) (Message, error) {
	var wrapper SerializedMessage
	if err := json.Unmarshal(jsonBytes, &wrapper); err != nil {
		return nil, err
	}
	return newFrame(&wrapper)
}

func newFrame(wrapper *SerializedMessage) (Message, error) {
	frameType, ok := typeRegistry[wrapper.Type]
	if !ok {
		return nil, fmt.Errorf("unknown frame type: %s", wrapper.Type)
	}
	msg := reflect.New(frameType).Interface().(Message)
	if len(wrapper.Payload) > 0 {
		if err := json.Unmarshal(wrapper.Payload, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
