// Package codec defines the serialization contract for envelopes and job
// arguments. JSON is the default; MessagePack is available for deployments
// that care about payload size.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/enadzan/taskmq/job"
)

// ErrMalformed is returned when a payload cannot be decoded into an
// envelope. Deliveries failing this way are quarantined, never retried.
var ErrMalformed = errors.New("codec: malformed payload")

// Codec defines the serialization contract for job envelopes.
// Round trips are exact for every envelope field.
type Codec interface {
	// Encode serializes an envelope to bytes.
	Encode(env *job.Envelope) ([]byte, error)

	// Decode deserializes bytes into an envelope.
	Decode(data []byte) (*job.Envelope, error)

	// EncodeArgs serializes job arguments the way handlers will decode them.
	EncodeArgs(v any) ([]byte, error)

	// DecodeArgs deserializes argument bytes into a typed value.
	DecodeArgs(data []byte, v any) error

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// Name constants for codec negotiation via message headers.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// Get returns a codec by name. Defaults to JSON.
func Get(name string) Codec {
	switch name {
	case NameMsgpack:
		return &Msgpack{}
	case NameJSON, "":
		return &JSON{}
	default:
		return &JSON{}
	}
}

// JSON encodes envelopes and arguments as JSON.
type JSON struct{}

func (c *JSON) Encode(env *job.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *JSON) Decode(data []byte) (*job.Envelope, error) {
	var env job.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

func (c *JSON) EncodeArgs(v any) ([]byte, error) { return json.Marshal(v) }

func (c *JSON) DecodeArgs(data []byte, v any) error { return json.Unmarshal(data, v) }

func (c *JSON) Name() string { return NameJSON }
