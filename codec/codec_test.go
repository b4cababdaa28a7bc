package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type chat struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func TestJSON(t *testing.T) {
	c := JSON{}
	raw, err := c.Encode(chat{From: "a", Text: "hi"})
	require.NoError(t, err)

	var got chat
	require.NoError(t, c.Decode(raw, &got))
	assert.Equal(t, chat{From: "a", Text: "hi"}, got)

	assert.Error(t, c.Decode([]byte("{"), &got))
}

func TestProto(t *testing.T) {
	c := Proto{}
	raw, err := c.Encode(wrapperspb.String("hello"))
	require.NoError(t, err)

	got := &wrapperspb.StringValue{}
	require.NoError(t, c.Decode(raw, got))
	assert.Equal(t, "hello", got.GetValue())

	_, err = c.Encode(chat{})
	assert.True(t, errors.Is(err, ErrNotProtoMessage))
	assert.True(t, errors.Is(c.Decode(raw, &chat{}), ErrNotProtoMessage))
}

func TestLookup(t *testing.T) {
	c, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = Lookup("Protobuf")
	require.NoError(t, err)
	assert.Equal(t, "protobuf", c.Name())

	_, err = Lookup("xml")
	assert.Error(t, err)
}

func TestRawBytesBypassCodec(t *testing.T) {
	raw, err := Marshal(Proto{}, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	raw, err = Marshal(JSON{}, nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	var out []byte
	require.NoError(t, Unmarshal(Proto{}, raw, &out))
	src := []byte("abc")
	require.NoError(t, Unmarshal(JSON{}, src, &out))
	src[0] = 'x'
	assert.Equal(t, "abc", string(out))
}
