// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package accuchek downloads blood-glucose records from Roche Accu-Chek
// meters speaking the IEEE 11073-20601 personal health device exchange
// protocol over USB or a serial bridge.
//
// The package is organized around three pieces:
//
//   - a Transporter moves opaque APDU frames between host and meter,
//   - the codec in apdu.go serializes and parses the APDU envelopes,
//   - a Session drives the association state machine, resolves the
//     device configuration and walks the persistent measurement stores,
//     emitting one Reading per stored glucose result.
//
// Typical usage:
//
//	usb := gousb.NewContext()
//	defer usb.Close()
//	transporters, err := accuchek.FindMeters(usb, nil)
//	...
//	session := accuchek.NewSession(transporters[0])
//	if err := session.Open(ctx); err != nil { ... }
//	defer session.Close(ctx)
//	err = session.Download(ctx, func(r accuchek.Reading) error {
//		fmt.Println(r)
//		return nil
//	})
package accuchek

import (
	"context"
	"time"
)

const (
	// Frames observed from Accu-Chek meters never exceed 1 KiB.
	maxFrameSize = 1024

	// apduHeaderSize is choice (2 bytes) plus length (2 bytes).
	apduHeaderSize = 4

	// DefaultTimeout bounds a single send or receive turn.
	DefaultTimeout = 3 * time.Second
)

// Transporter moves one APDU frame per call between host and meter.
// The protocol is turn based but not strictly request/response: the
// meter emits unsolicited confirmed event reports, so sending and
// receiving are separate operations. Implementations own the framing:
// Receive returns exactly one complete APDU (header plus declared body),
// assembled across as many low-level reads as necessary.
type Transporter interface {
	// Send writes the full frame to the meter.
	Send(ctx context.Context, frame []byte) error
	// Receive reads the next frame from the meter.
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the underlying endpoints.
	Close() error
}
