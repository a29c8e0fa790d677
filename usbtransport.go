// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

// USBTransporter frames APDUs over a pre-opened bulk endpoint pair.
// Construct one with NewUSBTransporter from endpoints claimed elsewhere,
// or let FindMeters enumerate and open whitelisted meters. The session
// layer is device-id agnostic; the transporter only moves frames.
type USBTransporter struct {
	// Timeout bounds one send or receive turn. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Logger, when set, receives every frame in hex with a direction prefix.
	Logger *log.Logger

	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	pending []byte
	closers []func() error
}

// NewUSBTransporter wraps an already claimed endpoint pair. Close
// releases nothing beyond what extra closers were registered.
func NewUSBTransporter(in *gousb.InEndpoint, out *gousb.OutEndpoint) *USBTransporter {
	return &USBTransporter{
		Timeout: DefaultTimeout,
		in:      in,
		out:     out,
	}
}

// Close releases the interface, configuration and device the endpoints
// came from, in registration order.
func (t *USBTransporter) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	t.closers = nil
	return first
}

func (t *USBTransporter) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTimeout
}

func (t *USBTransporter) logf(format string, v ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, v...)
	}
}

func classifyUSBErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return ErrIO
}

// Send writes the whole frame to the OUT endpoint in one transfer.
func (t *USBTransporter) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before send: %w", err)
	}
	tctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	t.logf("accuchek: → % x", frame)
	if _, err := t.out.WriteContext(tctx, frame); err != nil {
		return fmt.Errorf("%w: writing frame: %v", classifyUSBErr(err), err)
	}
	return nil
}

// Receive assembles one frame from the IN endpoint. A frame may span
// several transfer completions; whatever arrives past the declared
// length is kept for the next call.
func (t *USBTransporter) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before receive: %w", err)
	}
	tctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	buf := t.pending
	t.pending = nil
	need := apduHeaderSize
	for {
		for len(buf) < need {
			chunk := make([]byte, maxFrameSize)
			n, err := t.in.ReadContext(tctx, chunk)
			if err != nil {
				return nil, fmt.Errorf("%w: reading frame: %v", classifyUSBErr(err), err)
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
