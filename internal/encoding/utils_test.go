package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorCodec(t *testing.T) {
	in := []float32{0.5, -1.25, 3e-7, 42}
	data, err := EncodeVector(in)
	require.NoError(t, err)
	assert.Len(t, data, 4+4*len(in))

	out, err := DecodeVector(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeVectorRejectsShortInput(t *testing.T) {
	_, err := DecodeVector([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidVector)

	data, err := EncodeVector([]float32{1, 2, 3})
	require.NoError(t, err)
	_, err = DecodeVector(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestEncodeNilVector(t *testing.T) {
	_, err := EncodeVector(nil)
	assert.ErrorIs(t, err, ErrInvalidVector)

	data, err := EncodeVector([]float32{})
	require.NoError(t, err)
	out, err := DecodeVector(data)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCanonicalMarshalIsStable(t *testing.T) {
	m := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := Marshal(m)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var back map[string]int
	require.NoError(t, Unmarshal(first, &back))
	assert.Equal(t, m, back)
}
