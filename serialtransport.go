// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialTransporter frames APDUs over a serial port, for meters that
// attach as a CDC-ACM virtual COM device. The port is opened lazily on
// first use and owned until Close.
type SerialTransporter struct {
	// Address is the device path, e.g. /dev/ttyACM0.
	Address string
	// BaudRate defaults to 9600.
	BaudRate int
	// Timeout bounds one send or receive turn. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Logger, when set, receives every frame in hex with a direction prefix.
	Logger *log.Logger

	mu      sync.Mutex
	port    serial.Port
	pending []byte
}

// NewSerialTransporter allocates a transporter for the given device path.
func NewSerialTransporter(address string) *SerialTransporter {
	return &SerialTransporter{
		Address:  address,
		BaudRate: 9600,
		Timeout:  DefaultTimeout,
	}
}

// Connect opens the serial port if it is not open.
func (t *SerialTransporter) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connect()
}

func (t *SerialTransporter) connect() error {
	if t.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: t.BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(t.Address, mode)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrIO, t.Address, err)
	}
	if err := port.SetReadTimeout(t.timeout()); err != nil {
		port.Close()
		return fmt.Errorf("%w: setting read timeout: %v", ErrIO, err)
	}
	t.port = port
	return nil
}

// Close closes the serial port if it is open.
func (t *SerialTransporter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *SerialTransporter) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTimeout
}

func (t *SerialTransporter) logf(format string, v ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, v...)
	}
}

// Send writes one frame to the port. The payload is the frame; nothing
// is fragmented or padded.
func (t *SerialTransporter) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before send: %w", err)
	}
	if err := t.connect(); err != nil {
		return err
	}
	t.logf("accuchek: → % x", frame)
	if _, err := t.port.Write(frame); err != nil {
		return fmt.Errorf("%w: writing frame: %v", ErrIO, err)
	}
	return nil
}

// Receive reads one frame: the 4-byte header first, then the declared
// body, across as many reads as the port delivers. A read that makes no
// progress within the timeout fails the turn.
func (t *SerialTransporter) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before receive: %w", err)
	}
	if err := t.connect(); err != nil {
		return nil, err
	}

	readTimeout := t.timeout()
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until > 0 && until < readTimeout {
			readTimeout = until
		}
	}
	if err := t.port.SetReadTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("%w: setting read timeout: %v", ErrIO, err)
	}

	buf := t.pending
	t.pending = nil
	need := apduHeaderSize
	for {
		for len(buf) < need {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("context cancelled during receive: %w", err)
			}
			chunk := make([]byte, maxFrameSize)
			n, err := t.port.Read(chunk)
			if err != nil {
				return nil, fmt.Errorf("%w: reading frame: %v", ErrIO, err)
			}
			if n == 0 {
				// The serial layer signals an expired read timeout as a
				// zero-length read.
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, len(buf), need)
			}
			buf = append(buf, chunk[:n]...)
		}
		if need == apduHeaderSize {
			need = apduHeaderSize + int(binary.BigEndian.Uint16(buf[2:]))
			if need > maxFrameSize {
				return nil, fmt.Errorf("%w: declared frame of %d bytes", ErrMalformedFrame, need)
			}
			continue
		}
		break
	}
	if len(buf) > need {
		t.pending = append(t.pending, buf[need:]...)
		buf = buf[:need]
	}
	t.logf("accuchek: ← % x", buf)
	return buf, nil
}
