package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestSerialOptions_Normalize(t *testing.T) {
	opts, err := SerialOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, SerialOptions{BaudRate: defaultSerialBaud, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	opts, err = SerialOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: " even "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)

	for _, bad := range []SerialOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestSerialOptions_Mode(t *testing.T) {
	mode, err := SerialOptions{BaudRate: 57600, StopBits: 2, Parity: "odd"}.Mode()
	require.NoError(t, err)
	assert.Equal(t, 57600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	mode, err = SerialOptions{}.Mode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

func TestParseSampleLine(t *testing.T) {
	tests := []struct {
		line string
		want SampleReceived
		ok   bool
	}{
		{"0.1,0.2,0.3", SampleReceived{X: 0.1, Y: 0.2, Z: 0.3}, true},
		{"-1; 2 ;3e-2", SampleReceived{X: -1, Y: 2, Z: 0.03}, true},
		{"1 2\t3\r", SampleReceived{X: 1, Y: 2, Z: 3}, true},
		{"1,2", SampleReceived{}, false},
		{"1,2,3,4", SampleReceived{}, false},
		{"a,b,c", SampleReceived{}, false},
		{"nan,0,0", SampleReceived{}, false},
		{"1,inf,0", SampleReceived{}, false},
		{"0,0,-Inf", SampleReceived{}, false},
	}
	for _, tt := range tests {
		got, err := parseSampleLine(tt.line)
		if !tt.ok {
			require.ErrorIs(t, err, errMalformedSample, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got)
	}
}

func TestScanSamples_SkipsMalformedAndComments(t *testing.T) {
	input := "# imu v2\n0,0,1\ngarbage\n\n1,0,0\n2,2\n"
	out := make(chan Event, 8)

	malformed, err := scanSamples(context.Background(), strings.NewReader(input), out, slog.Default())
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, malformed)

	require.Len(t, out, 2)
	assert.Equal(t, SampleReceived{Z: 1}, <-out)
	assert.Equal(t, SampleReceived{X: 1}, <-out)
}

// blockingPort yields its lines then blocks until closed.
type blockingPort struct {
	r      io.Reader
	once   sync.Once
	closed chan struct{}
}

func newBlockingPort(data string) *blockingPort {
	return &blockingPort{r: strings.NewReader(data), closed: make(chan struct{})}
}

func (p *blockingPort) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		<-p.closed
		return 0, errors.New("port closed")
	}
	return n, err
}

func (p *blockingPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestSerialSource_RunUntilCancel(t *testing.T) {
	port := newBlockingPort("0.5,0,0\n0,0.5,0\n")
	var gotPort string
	var gotMode *serial.Mode

	src := &SerialSource{
		Port:    "/dev/ttyIMU",
		Options: SerialOptions{BaudRate: 230400},
		logger:  slog.Default(),
		open: func(name string, mode *serial.Mode) (io.ReadCloser, error) {
			gotPort, gotMode = name, mode
			return port, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 8)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	waitUntil(t, 2*time.Second, func() bool { return len(out) == 2 }, "serial samples not delivered")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serial source did not stop")
	}

	assert.Equal(t, "/dev/ttyIMU", gotPort)
	assert.Equal(t, 230400, gotMode.BaudRate)
	assert.Equal(t, SampleReceived{X: 0.5}, <-out)
}

func TestSerialSource_OpenError(t *testing.T) {
	src := &SerialSource{
		Port: "/dev/ttyNope",
		open: func(string, *serial.Mode) (io.ReadCloser, error) {
			return nil, errors.New("no such device")
		},
	}
	err := src.Run(context.Background(), make(chan Event))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyNope")
}

func TestSerialSource_BadOptions(t *testing.T) {
	src := &SerialSource{Port: "/dev/ttyS0", Options: SerialOptions{DataBits: 4}}
	require.Error(t, src.Run(context.Background(), make(chan Event)))
}
