// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package voice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/LorisFriedel/discordvoice/ws"
)

// compressedPrefix is the number of framing bytes in front of the deflate
// stream of a binary frame.
const compressedPrefix = 2

// Codec serializes control frames. Implementations must produce and accept
// JSON-compatible documents.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// JSONCodec is the encoding/json Codec used when none is supplied.
var JSONCodec Codec = jsonCodec{}

// Frame is the operation envelope carried by every control message.
type Frame struct {
	Op      Opcode          `json:"op"`
	Payload json.RawMessage `json:"d"`
}

type outgoingFrame struct {
	Op      Opcode      `json:"op"`
	Payload interface{} `json:"d"`
}

func encodeFrame(codec Codec, op Opcode, payload interface{}) ([]byte, error) {
	data, err := codec.Marshal(outgoingFrame{Op: op, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", op, err)
	}
	return data, nil
}

// decodeFrame turns one websocket message into a Frame. Binary messages are
// raw deflate streams behind a two byte prefix.
func decodeFrame(codec Codec, messageType int, message []byte) (Frame, error) {
	var f Frame

	data := message
	if messageType == ws.BinaryMessage {
		if len(message) < compressedPrefix {
			return f, fmt.Errorf("binary frame of %d bytes: %w", len(message), ErrShortPacket)
		}

		z := flate.NewReader(bytes.NewReader(message[compressedPrefix:]))
		defer z.Close()

		var err error
		data, err = io.ReadAll(z)
		if err != nil {
			return f, fmt.Errorf("uncompressing frame: %w", err)
		}
	}

	if err := codec.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}
