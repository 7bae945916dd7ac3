// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR wire format used by every socket
// protocol in slate-init: the stage-handoff socket, the in-chroot
// service socket, and the client CLIs that talk to them.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The same
// logical message always produces identical bytes, which keeps the
// one-value-per-direction framing trivial — CBOR values are
// self-delimiting, so no length prefix is needed.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are silently ignored
// so old binaries inside the chroot can talk to a newer init.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Message payloads never use non-string map keys. When the
		// decoder's target is any, pick map[string]any instead of the
		// CBOR default map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// request payloads until the request kind is known.
type RawMessage = cbor.RawMessage

// NewEncoder returns an Encoder writing deterministic CBOR to w.
func NewEncoder(w interface{ Write([]byte) (int, error) }) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r interface{ Read([]byte) (int, error) }) *Decoder {
	return decMode.NewDecoder(r)
}
