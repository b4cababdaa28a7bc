// Package codec provides the payload codecs g9 uses to turn command payloads
// into frame bodies and back.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// Codec encodes command payloads.
//
// Decode must accept a pointer to the destination value.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// ErrNotProtoMessage is returned by Proto for values that are not proto.Message.
var ErrNotProtoMessage = errors.New("codec: value is not a proto.Message")

// JSON encodes payloads with encoding/json.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "codec: json encode")
}

func (JSON) Decode(data []byte, v any) error {
	return errors.Wrap(json.Unmarshal(data, v), "codec: json decode")
}

// Proto encodes payloads that implement proto.Message.
type Proto struct{}

func (Proto) Name() string { return "protobuf" }

func (Proto) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Wrapf(ErrNotProtoMessage, "encode %T", v)
	}
	b, err := proto.Marshal(m)
	return b, errors.Wrap(err, "codec: protobuf encode")
}

func (Proto) Decode(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return errors.Wrapf(ErrNotProtoMessage, "decode into %T", v)
	}
	return errors.Wrap(proto.Unmarshal(data, m), "codec: protobuf decode")
}

// Lookup resolves a codec by its configured name.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON{}, nil
	case "protobuf", "proto":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Marshal encodes v with c, passing raw byte slices through untouched.
func Marshal(c Codec, v any) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case nil:
		return nil, nil
	}
	return c.Encode(v)
}

// Unmarshal decodes data into v with c. A *[]byte destination receives a
// copy of data.
func Unmarshal(c Codec, data []byte, v any) error {
	if p, ok := v.(*[]byte); ok {
		*p = append([]byte(nil), data...)
		return nil
	}
	return c.Decode(data, v)
}
