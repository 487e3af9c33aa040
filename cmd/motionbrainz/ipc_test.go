package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestIPCServer runs the IPC server on a short socket path and returns it.
func startTestIPCServer(t *testing.T, events chan Event) string {
	t.Helper()

	// Unix socket paths are limited to ~100 bytes; t.TempDir can be longer.
	dir, err := os.MkdirTemp("", "mbipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runIPCServer(ctx, socket, events, slog.Default()) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("IPC server did not stop")
		}
	})

	waitUntil(t, 2*time.Second, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, "IPC socket not created")
	return socket
}

func TestIPC_PushSampleDelivered(t *testing.T) {
	events := make(chan Event, 4)
	socket := startTestIPCServer(t, events)

	require.NoError(t, SendIPCEvent(socket, SampleReceived{X: 0.1, Y: -0.2, Z: 0.3}))

	select {
	case ev := <-events:
		assert.Equal(t, SampleReceived{X: 0.1, Y: -0.2, Z: 0.3}, ev)
	case <-time.After(time.Second):
		t.Fatal("sample not delivered")
	}
}

func TestIPC_ManyRequestsOneConnection(t *testing.T) {
	events := make(chan Event, 16)
	socket := startTestIPCServer(t, events)

	c, err := DialIPC(socket)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(SetThreshold{Threshold: 0.3}))
	require.NoError(t, c.Send(ForceTrigger{}))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(SampleReceived{X: float64(i)}))
	}

	require.Len(t, events, 7)
	assert.Equal(t, SetThreshold{Threshold: 0.3}, <-events)
	assert.Equal(t, ForceTrigger{}, <-events)
	assert.Equal(t, SampleReceived{X: 0}, <-events)
}

func TestIPC_QueueFullIsReported(t *testing.T) {
	events := make(chan Event) // nobody reads
	socket := startTestIPCServer(t, events)

	err := SendIPCEvent(socket, ForceTrigger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), errEventQueueFull.Error())
}

func TestIPC_BadRequestKeepsConnection(t *testing.T) {
	events := make(chan Event, 4)
	socket := startTestIPCServer(t, events)

	c, err := DialIPC(socket)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.conn.Write([]byte(`{"type":"set_threshold","data":{"threshold":-1}}` + "\n"))
	require.NoError(t, err)
	var resp IPCResponse
	require.NoError(t, c.dec.Decode(&resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "threshold")

	_, err = c.conn.Write([]byte("not json\n"))
	require.NoError(t, err)
	require.NoError(t, c.dec.Decode(&resp))
	assert.Equal(t, "error", resp.Status)

	// Same connection still works.
	require.NoError(t, c.Send(ForceTrigger{}))
	assert.Len(t, events, 1)
}

func TestUnmarshalEvent(t *testing.T) {
	ev, err := UnmarshalEvent([]byte(`{"type":"push_sample","data":{"x":1,"y":2,"z":3}}`))
	require.NoError(t, err)
	assert.Equal(t, SampleReceived{X: 1, Y: 2, Z: 3}, ev)

	ev, err = UnmarshalEvent([]byte(`{"type":"force_trigger"}`))
	require.NoError(t, err)
	assert.Equal(t, ForceTrigger{}, ev)

	_, err = UnmarshalEvent([]byte(`{"type":"volume_up"}`))
	require.Error(t, err)

	_, err = UnmarshalEvent([]byte(`{"type":"push_sample","data":"nope"}`))
	require.Error(t, err)

	_, err = MarshalEvent(Tick{})
	require.Error(t, err)
}
