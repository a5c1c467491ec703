package notify

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEventLine(t *testing.T) {
	line, err := NewEventLine()
	if err != nil {
		t.Skipf("eventfd not available: %v", err)
	}
	testLine(t, line)
}

func TestEventLine_RaisedThroughFD(t *testing.T) {
	line, err := NewEventLine()
	if err != nil {
		t.Skipf("eventfd not available: %v", err)
	}
	defer line.Close()

	fired := make(chan struct{}, 1)
	require.NoError(t, line.Bind(func() { fired <- struct{}{} }))

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 3)
	_, err = unix.Write(line.FD(), buf[:])
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("external write did not raise the line")
	}
}
