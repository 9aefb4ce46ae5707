package media

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReusesStream(t *testing.T) {
	src := NewSource(false)

	a, err := src.Acquire(context.Background())
	require.NoError(t, err)
	b, err := src.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.True(t, a.ReceiveOnly())

	src.Release()
	src.Release()

	c, err := src.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestAcquireHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSource(false).Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestZeroStreamRegistersDefaultCodecs(t *testing.T) {
	var st *Stream
	assert.True(t, st.ReceiveOnly())

	m := &webrtc.MediaEngine{}
	require.NoError(t, st.RegisterCodecs(m))
	require.NoError(t, (&Stream{}).RegisterCodecs(&webrtc.MediaEngine{}))
}
