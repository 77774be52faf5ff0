package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/enadzan/taskmq/job"
)

// Msgpack encodes envelopes and arguments as MessagePack.
type Msgpack struct{}

func (c *Msgpack) Encode(env *job.Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (c *Msgpack) Decode(data []byte) (*job.Envelope, error) {
	var env job.Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

func (c *Msgpack) EncodeArgs(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (c *Msgpack) DecodeArgs(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (c *Msgpack) Name() string { return NameMsgpack }
