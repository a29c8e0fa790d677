// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"context"
	"errors"
	"log"
	"math"
	"os"
	"testing"
	"time"

	"github.com/lumberbarons/accuchek"
	"github.com/lumberbarons/accuchek/internal/simulator"
	"github.com/lumberbarons/accuchek/internal/testutil"
)

func openSession(t *testing.T, devicePath string) (*accuchek.Session, func()) {
	t.Helper()
	transporter := accuchek.NewSerialTransporter(devicePath)
	transporter.Timeout = 2 * time.Second
	if os.Getenv("ACCUCHEK_DBG") != "" {
		transporter.Logger = log.New(os.Stderr, "serial: ", log.LstdFlags)
	}
	session := accuchek.NewSession(transporter)
	return session, func() { transporter.Close() }
}

func TestSerialDownload(t *testing.T) {
	cleanup, devicePath := testutil.StartMeterSimulator(t,
		testutil.WithSegments([]simulator.Entry{
			{Epoch: 1735128000, SFloat: 0x005F},
			{Epoch: 1735131600, SFloat: 0x0072},
		}))
	defer cleanup()

	session, closeTransport := openSession(t, devicePath)
	defer closeTransport()
	ctx := context.Background()

	if err := session.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if session.MDS().Model != "Performa Combo" {
		t.Errorf("model = %q", session.MDS().Model)
	}

	readings, err := session.Readings(ctx)
	if err != nil {
		t.Fatalf("Readings() error: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
	if readings[0].MgPerDL != 95 || readings[1].MgPerDL != 114 {
		t.Errorf("values = %d %d, want 95 114", readings[0].MgPerDL, readings[1].MgPerDL)
	}
	if readings[0].Epoch != 1735128000 {
		t.Errorf("epoch = %d, want 1735128000", readings[0].Epoch)
	}

	if err := session.Close(ctx); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if session.State() != accuchek.StateTerminated {
		t.Errorf("state after Close = %v, want terminated", session.State())
	}
}

func TestSerialDownloadMmolMeter(t *testing.T) {
	cleanup, devicePath := testutil.StartMeterSimulator(t,
		testutil.WithUnit(accuchek.UnitMmolPerL),
		testutil.WithSegments([]simulator.Entry{
			{Epoch: 1735128000, SFloat: 0xF054}, // 8.4 mmol/L
		}))
	defer cleanup()

	session, closeTransport := openSession(t, devicePath)
	defer closeTransport()
	ctx := context.Background()

	if err := session.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer session.Close(ctx)

	readings, err := session.Readings(ctx)
	if err != nil {
		t.Fatalf("Readings() error: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1", len(readings))
	}
	if readings[0].MgPerDL != 151 {
		t.Errorf("mg/dL = %d, want 151", readings[0].MgPerDL)
	}
	if math.Abs(readings[0].MmolPerL-151.0/18.0) > 1e-9 {
		t.Errorf("mmol/L = %v", readings[0].MmolPerL)
	}
}

func TestSerialDownloadChunkedSegments(t *testing.T) {
	var entries []simulator.Entry
	base := int64(1735128000)
	for i := 0; i < 7; i++ {
		entries = append(entries, simulator.Entry{Epoch: base + int64(i)*600, SFloat: 0x005F})
	}
	cleanup, devicePath := testutil.StartMeterSimulator(t,
		testutil.WithChunkSize(3),
		testutil.WithSegments(entries))
	defer cleanup()

	session, closeTransport := openSession(t, devicePath)
	defer closeTransport()
	ctx := context.Background()

	if err := session.Open(ctx); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer session.Close(ctx)

	readings, err := session.Readings(ctx)
	if err != nil {
		t.Fatalf("Readings() error: %v", err)
	}
	if len(readings) != 7 {
		t.Fatalf("got %d readings, want 7", len(readings))
	}
	for i, r := range readings {
		if r.ID != uint32(i) {
			t.Errorf("reading %d has id %d", i, r.ID)
		}
	}
}

func TestSerialRejectedAssociation(t *testing.T) {
	cleanup, devicePath := testutil.StartMeterSimulator(t,
		testutil.WithAssocResult(accuchek.ResultRejectedTransient))
	defer cleanup()

	session, closeTransport := openSession(t, devicePath)
	defer closeTransport()

	err := session.Open(context.Background())
	var assoc *accuchek.AssociationError
	if !errors.As(err, &assoc) {
		t.Fatalf("Open() error = %v, want AssociationError", err)
	}
	if !assoc.Temporary() {
		t.Error("transient rejection reported as permanent")
	}
}
