//go:build unix

package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserved_GrowShrink(t *testing.T) {
	h, err := NewReserved(1 << 24)
	require.NoError(t, err)
	defer h.Close()

	base := h.Base()
	assert.Equal(t, base, h.Break())

	require.NoError(t, h.SetBreak(base.Add(10000)))
	b := h.Bytes(base.Add(9000), 1000)
	b[999] = 0x5A
	assert.Equal(t, byte(0x5A), h.Bytes(base.Add(9999), 1)[0])

	require.NoError(t, h.SetBreak(base.Add(16)))
	assert.Equal(t, base.Add(16), h.Break())

	assert.ErrorIs(t, h.SetBreak(base.Add(1<<25)), ErrOutOfRange)
}
