package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase58Vectors(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{make([]byte, 32), "11111111111111111111111111111111"},
		{[]byte("hello world"), "StV1DL6CwTryKyV"},
		{[]byte{0, 0, 1}, "112"},
	}
	for _, tc := range cases {
		got := EncodeBase58(tc.in)
		assert.Equal(t, tc.want, got)

		back, err := DecodeBase58(got)
		require.NoError(t, err)
		assert.Equal(t, tc.in, back)
	}
}

func TestDecodeBase58RejectsInvalid(t *testing.T) {
	for _, s := range []string{"", "0OIl", "abc!"} {
		_, err := DecodeBase58(s)
		assert.Error(t, err, s)
	}
}

func TestIsAddress(t *testing.T) {
	assert.True(t, IsAddress("cGfHiC6Kgg3FpFZvgwGcswsCRtp4aBP2fzuXRQPizuN"))
	assert.False(t, IsAddress("StV1DL6CwTryKyV"))
	assert.False(t, IsAddress("0x52908400098527886E0F7030069857D2E4169EE7"))
}
