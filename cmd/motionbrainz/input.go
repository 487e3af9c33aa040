package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

// deviceEvent tags an input event with the index of the device it came from.
type deviceEvent struct {
	Device int
	Event  inputEvent
}

func decodeInputEvent(buf []byte) (inputEvent, error) {
	var ev inputEvent
	if len(buf) < inputEventSize {
		return ev, fmt.Errorf("short input event: %d bytes", len(buf))
	}
	err := binary.Read(bytes.NewReader(buf[:inputEventSize]), binary.LittleEndian, &ev)
	return ev, err
}

// readInputEvents reads input events from r and sends them to a channel.
// This runs in a dedicated goroutine and blocks on read operations.
func readInputEvents(ctx context.Context, r io.Reader, device int, events chan<- deviceEvent, readErr chan<- error) {
	buf := make([]byte, inputEventSize)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}

		ev, err := decodeInputEvent(buf)
		if err != nil {
			// Skip malformed events
			continue
		}

		select {
		case events <- deviceEvent{Device: device, Event: ev}:
		case <-ctx.Done():
			return
		}
	}
}

// absFrameAssembler turns an evdev ABS stream into samples.
//
// Axis values are latched as they arrive; SYN_REPORT closes a frame and
// yields one sample with the latest value of every axis. After SYN_DROPPED
// everything up to and including the next SYN_REPORT is discarded.
type absFrameAssembler struct {
	scale    float64
	axes     [3]float64
	dirty    bool
	dropping bool
}

func newAbsFrameAssembler(scale float64) *absFrameAssembler {
	if scale == 0 {
		scale = defaultEvdevScale
	}
	return &absFrameAssembler{scale: scale}
}

// Feed consumes one event and reports whether a frame was completed.
func (a *absFrameAssembler) Feed(ev inputEvent) (SampleReceived, bool) {
	switch ev.Type {
	case EV_SYN:
		switch ev.Code {
		case SYN_DROPPED:
			a.dropping = true
			return SampleReceived{}, false
		case SYN_REPORT:
			if a.dropping {
				a.dropping = false
				a.dirty = false
				return SampleReceived{}, false
			}
			if !a.dirty {
				return SampleReceived{}, false
			}
			a.dirty = false
			return SampleReceived{X: a.axes[0], Y: a.axes[1], Z: a.axes[2]}, true
		}

	case EV_ABS:
		if a.dropping {
			return SampleReceived{}, false
		}
		switch ev.Code {
		case ABS_X, ABS_Y, ABS_Z:
			a.axes[ev.Code] = float64(ev.Value) * a.scale
			a.dirty = true
		}
	}
	return SampleReceived{}, false
}

// EvdevSource reads accelerometer frames from Linux input devices.
type EvdevSource struct {
	Devices []string
	Scale   float64

	logger *slog.Logger
}

func (s *EvdevSource) Name() string { return SourceEvdev }

func (s *EvdevSource) Run(ctx context.Context, out chan<- Event) error {
	if len(s.Devices) == 0 {
		return errors.New("no input devices configured")
	}

	files := make([]*os.File, 0, len(s.Devices))
	var closeOnce sync.Once
	closeAll := func() {
		closeOnce.Do(func() {
			for _, f := range files {
				f.Close()
			}
		})
	}
	defer closeAll()

	for _, dev := range s.Devices {
		f, err := os.Open(dev)
		if err != nil {
			return fmt.Errorf("open input device %s (run as root or add user to 'input' group): %w", dev, err)
		}
		files = append(files, f)
	}

	raw := make(chan deviceEvent, 64)
	readErr := make(chan error, 1)
	go readInputDevices(ctx, files, raw, readErr)

	asm := make([]*absFrameAssembler, len(files))
	for i := range asm {
		asm[i] = newAbsFrameAssembler(s.Scale)
	}

	if s.logger != nil {
		s.logger.Info("evdev source started", "devices", s.Devices, "scale", s.Scale)
	}

	for {
		select {
		case <-ctx.Done():
			closeAll()
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("input reader stopped: %w", err)

		case de := <-raw:
			sample, ok := asm[de.Device].Feed(de.Event)
			if !ok {
				continue
			}
			if err := emitSample(ctx, out, sample); err != nil {
				return nil
			}
		}
	}
}
