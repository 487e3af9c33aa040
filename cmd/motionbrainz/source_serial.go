package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// SerialOptions describes the serial connection parameters of an IMU port.
type SerialOptions struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = defaultSerialBaud
	}

	if opts.DataBits == 0 {
		opts.DataBits = defaultSerialDataBits
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = defaultSerialStopBits
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// Mode converts the options into the serial.Mode required by go.bug.st/serial.
func (o SerialOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}

var errMalformedSample = errors.New("malformed sample line")

// parseSampleLine parses "x,y,z". Commas, semicolons and whitespace all separate fields.
func parseSampleLine(line string) (SampleReceived, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\r'
	})
	if len(fields) != 3 {
		return SampleReceived{}, fmt.Errorf("%w: want 3 fields, got %d", errMalformedSample, len(fields))
	}

	var v [3]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return SampleReceived{}, fmt.Errorf("%w: %v", errMalformedSample, err)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return SampleReceived{}, fmt.Errorf("%w: non-finite value %q", errMalformedSample, f)
		}
		v[i] = n
	}
	return SampleReceived{X: v[0], Y: v[1], Z: v[2]}, nil
}

// SerialSource reads text samples from an IMU on a serial port.
type SerialSource struct {
	Port    string
	Options SerialOptions

	logger *slog.Logger
	// open is replaced in tests.
	open func(port string, mode *serial.Mode) (io.ReadCloser, error)
}

func (s *SerialSource) Name() string { return SourceSerial }

func (s *SerialSource) Run(ctx context.Context, out chan<- Event) error {
	mode, err := s.Options.Mode()
	if err != nil {
		return fmt.Errorf("serial options: %w", err)
	}

	open := s.open
	if open == nil {
		open = func(port string, mode *serial.Mode) (io.ReadCloser, error) {
			return serial.Open(port, mode)
		}
	}

	port, err := open(s.Port, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", s.Port, err)
	}
	defer port.Close()

	// Closing the port unblocks the scanner.
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()

	if s.logger != nil {
		s.logger.Info("serial source started", "port", s.Port, "baud", mode.BaudRate)
	}

	_, err = scanSamples(ctx, port, out, s.logger)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// scanSamples forwards every well-formed line of r as a sample and returns
// the number of malformed lines skipped.
func scanSamples(ctx context.Context, r io.Reader, out chan<- Event, logger *slog.Logger) (int, error) {
	scan := bufio.NewScanner(r)
	malformed := 0

	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		sample, err := parseSampleLine(line)
		if err != nil {
			malformed++
			if logger != nil && (malformed == 1 || malformed%100 == 0) {
				logger.Debug("skipping malformed serial line", "line", line, "error", err, "malformed_total", malformed)
			}
			continue
		}

		if err := emitSample(ctx, out, sample); err != nil {
			return malformed, err
		}
	}
	if err := scan.Err(); err != nil {
		return malformed, fmt.Errorf("read serial: %w", err)
	}
	return malformed, io.EOF
}
