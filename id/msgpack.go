package id

import "github.com/vmihailenco/msgpack/v5"

// EncodeMsgpack implements msgpack.CustomEncoder. IDs travel as their
// canonical string form so both codecs produce interchangeable payloads.
func (i ID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeString(i.String())
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (i *ID) DecodeMsgpack(dec *msgpack.Decoder) error {
	s, err := dec.DecodeString()
	if err != nil {
		return err
	}

	return i.UnmarshalText([]byte(s))
}

var (
	_ msgpack.CustomEncoder = (*ID)(nil)
	_ msgpack.CustomDecoder = (*ID)(nil)
)
