package notify

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLine(t *testing.T, line Line) {
	t.Helper()

	// A raise before binding is kept pending.
	require.NoError(t, line.Raise())

	fired := make(chan struct{}, 16)
	require.NoError(t, line.Bind(func() { fired <- struct{}{} }))
	assert.Error(t, line.Bind(func() {}), "second bind")

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("pending raise was not delivered")
	}

	require.NoError(t, line.Raise())
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("raise was not delivered")
	}

	require.NoError(t, line.Close())
	assert.ErrorIs(t, line.Raise(), ErrClosed)
	assert.NoError(t, line.Close())
}

func TestChanLine(t *testing.T) {
	testLine(t, NewChanLine())
}

func TestChanLine_Coalesces(t *testing.T) {
	line := NewChanLine()
	for i := 0; i < 10; i++ {
		require.NoError(t, line.Raise())
	}

	var calls atomic.Int32
	block := make(chan struct{})
	require.NoError(t, line.Bind(func() {
		calls.Add(1)
		<-block
	}))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	close(block)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, line.Close())
}

func TestChanLine_CloseUnbound(t *testing.T) {
	line := NewChanLine()
	require.NoError(t, line.Close())
	assert.ErrorIs(t, line.Bind(func() {}), ErrClosed)
}
