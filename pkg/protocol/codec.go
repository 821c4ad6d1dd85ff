package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an envelope for a text frame.
func Encode(msg *ProtocolMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a frame into an envelope.
func Decode(data []byte) (*ProtocolMessage, error) {
	msg := &ProtocolMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode protocol message: %w", err)
	}
	return msg, nil
}
