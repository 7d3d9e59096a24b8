// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of every relay message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds an envelope around payload.
func Encode(messageType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: messageType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", messageType, err)
	}
	return Envelope{Type: messageType, Payload: data}, nil
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(messageType string, payload any) Envelope {
	envelope, err := Encode(messageType, payload)
	if err != nil {
		panic(err)
	}
	return envelope
}

// Decode unmarshals the payload into v. An empty payload leaves v
// untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
