// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Store values decoded into `any` must come back as
		// map[string]any so they can be re-encoded as JSON for the
		// status endpoint.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Equal reports whether a and b encode to identical bytes.
func Equal(a, b any) bool {
	left, err := Marshal(a)
	if err != nil {
		return false
	}
	right, err := Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// RawMessage is an undecoded CBOR value, used where the shape of a
// stored field changed between versions and has to be sniffed.
type RawMessage = cbor.RawMessage
