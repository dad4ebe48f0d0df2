package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type sample struct {
	Name  string
	Value int
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSONCodec{}

	data, err := c.Encode(&sample{Name: "test", Value: 42})
	require.NoError(t, err)

	var got sample
	require.NoError(t, c.Decode(data, &got))
	assert.Equal(t, sample{Name: "test", Value: 42}, got)
}

func TestGobCodecRoundTrip(t *testing.T) {
	c := GobCodec{}

	data, err := c.Encode(&sample{Name: "gob", Value: 7})
	require.NoError(t, err)

	var got sample
	require.NoError(t, c.Decode(data, &got))
	assert.Equal(t, "gob", got.Name)
	assert.Equal(t, 7, got.Value)
}

func TestProtobufCodecRoundTrip(t *testing.T) {
	c := ProtobufCodec{}

	data, err := c.Encode(wrapperspb.Int32(42))
	require.NoError(t, err)

	got := &wrapperspb.Int32Value{}
	require.NoError(t, c.Decode(data, got))
	assert.EqualValues(t, 42, got.Value)
}

func TestProtobufCodecRejectsPlainStruct(t *testing.T) {
	c := ProtobufCodec{}

	_, err := c.Encode(&sample{})
	assert.ErrorIs(t, err, ErrNotProtoMessage)
}

func TestGetByType(t *testing.T) {
	for _, tc := range []struct {
		typ  Type
		name string
	}{
		{TypeJSON, "json"},
		{TypeGob, "gob"},
		{TypeProtobuf, "protobuf"},
	} {
		c, err := Get(tc.typ)
		require.NoError(t, err)
		assert.Equal(t, tc.name, c.Name())
	}

	_, err := Get(Type(0x7F))
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}
