// Package codec turns structured message payloads into message bodies and
// back. JSON is the wire default; MessagePack is available for services that
// agree on it through the content type.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// ErrNotObject is returned when a body decodes to something other than a map.
var ErrNotObject = errors.New("codec: payload is not an object")

// Payload is a mapping from field names to values.
type Payload map[string]any

// Codec encodes and decodes payloads.
type Codec interface {
	ContentType() string
	Encode(p Payload) ([]byte, error)
	Decode(data []byte) (Payload, error)
}

// JSON encodes payloads as UTF-8 JSON.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) ContentType() string { return ContentTypeJSON }

func (JSON) Encode(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// Decode keeps numbers as json.Number so large integers survive.
func (JSON) Decode(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out Payload
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if out == nil {
		return nil, ErrNotObject
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data after object")
	}
	return out, nil
}

// Msgpack encodes payloads as MessagePack.
type Msgpack struct{}

var _ Codec = Msgpack{}

func (Msgpack) ContentType() string { return ContentTypeMsgpack }

func (Msgpack) Encode(p Payload) ([]byte, error) {
	return msgpack.Marshal(map[string]any(p))
}

func (Msgpack) Decode(data []byte) (Payload, error) {
	var out map[string]any
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode msgpack: %w", err)
	}
	if out == nil {
		return nil, ErrNotObject
	}
	return Payload(out), nil
}

// ByName returns the codec for a config value ("json" or "msgpack").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON{}, nil
	case "msgpack", "messagepack":
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}

// ForContentType picks the decoder for an inbound message, falling back to def
// when the content type is empty or unknown.
func ForContentType(contentType string, def Codec) Codec {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case ContentTypeJSON:
		return JSON{}
	case ContentTypeMsgpack, "application/x-msgpack":
		return Msgpack{}
	}
	return def
}
