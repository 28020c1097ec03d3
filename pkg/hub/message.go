// Package hub fans dashboard updates out to websocket clients.
// Status snapshots and presence events go out as JSON text frames,
// camera previews as binary JPEG frames.
package hub

import "encoding/json"

// MessageType indicates the websocket frame type a message is sent as
type MessageType int

const (
	// JSONMessage is sent as a text frame
	JSONMessage MessageType = iota
	// BinaryMessage is sent as a binary frame (camera JPEGs)
	BinaryMessage
)

// Message is one broadcast unit
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// EncodeJSON marshals v into a JSON message
func EncodeJSON(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(data), nil
}

// NewBinaryMessage wraps raw bytes
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}
