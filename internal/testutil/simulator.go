// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package testutil starts simulated meters for tests.
package testutil

import (
	"log"
	"testing"

	"github.com/lumberbarons/accuchek/internal/simulator"
)

// MeterOption configures a simulated meter.
type MeterOption func(*simulator.Config)

// WithSegments sets the stored entries, one slice per segment.
func WithSegments(segments ...[]simulator.Entry) MeterOption {
	return func(c *simulator.Config) {
		c.Segments = segments
	}
}

// WithUnit sets the advertised dimension code.
func WithUnit(unit uint16) MeterOption {
	return func(c *simulator.Config) {
		c.Unit = unit
	}
}

// WithChunkSize caps entries per segment data event.
func WithChunkSize(n int) MeterOption {
	return func(c *simulator.Config) {
		c.ChunkSize = n
	}
}

// WithAssocResult overrides the association result the meter returns.
func WithAssocResult(result uint16) MeterOption {
	return func(c *simulator.Config) {
		c.AssocResult = &result
	}
}

// WithLogger routes meter logs somewhere visible.
func WithLogger(l *log.Logger) MeterOption {
	return func(c *simulator.Config) {
		c.Logger = l
	}
}

// StartMeterSimulator runs a simulated meter behind a pseudo terminal
// and returns a cleanup function plus the device path for a serial
// transporter.
//
//	cleanup, devicePath := testutil.StartMeterSimulator(t,
//	    testutil.WithSegments(segment))
//	defer cleanup()
//
//	transporter := accuchek.NewSerialTransporter(devicePath)
//	session := accuchek.NewSession(transporter)
func StartMeterSimulator(t *testing.T, opts ...MeterOption) (cleanup func(), devicePath string) {
	t.Helper()

	var cfg simulator.Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Segments == nil {
		cfg.Segments = [][]simulator.Entry{{
			{Epoch: 1735128000, SFloat: 0x005F},
		}}
	}

	server, err := simulator.NewSerialServer(cfg)
	if err != nil {
		t.Fatalf("failed to create meter simulator: %v", err)
	}
	server.Start()
	t.Logf("meter simulator started on %s", server.ClientDevicePath())

	cleanup = func() {
		if err := server.Stop(); err != nil {
			t.Logf("failed to stop meter simulator: %v", err)
		}
	}
	return cleanup, server.ClientDevicePath()
}
