package httpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDirect(t *testing.T) {
	c, err := New("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.Nil(t, c.Transport)
}

func TestNewWithProxy(t *testing.T) {
	c, err := New("127.0.0.1:1080", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, c.Transport)
}
