//go:build !linux

package main

import (
	"context"
	"os"
)

// readInputDevices falls back to one blocking reader per device.
func readInputDevices(ctx context.Context, files []*os.File, events chan<- deviceEvent, readErr chan<- error) {
	for i, f := range files {
		go readInputEvents(ctx, f, i, events, readErr)
	}
}
