// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestEntryMapRoundTrip(t *testing.T) {
	m := testEntryMap()
	got, err := ParseEntryMap(m.Encode())
	if err != nil {
		t.Fatalf("ParseEntryMap() error: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\ngot  %#v\nwant %#v", got, m)
	}
}

func TestEntryMapTruncated(t *testing.T) {
	raw := testEntryMap().Encode()
	if _, err := ParseEntryMap(raw[:len(raw)-3]); !errors.Is(err, ErrTruncated) {
		t.Errorf("ParseEntryMap() error = %v, want %v", err, ErrTruncated)
	}
}

// entryBytes builds one fixed entry: BCD timestamp plus SFLOAT sample.
func entryBytes(epoch int64, sfloat uint16) []byte {
	b := EncodeAbsoluteTime(epoch)
	return binary.BigEndian.AppendUint16(b, sfloat)
}

func TestDecodeEntries(t *testing.T) {
	m := testEntryMap()
	data := append(entryBytes(1735128000, 0x005F), entryBytes(1735131600, 0x0072)...)

	samples, err := decodeEntries(data, m)
	if err != nil {
		t.Fatalf("decodeEntries() error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	if !samples[0].ok || samples[0].value != 95 || samples[0].epoch != 1735128000 || !samples[0].hasAbs {
		t.Errorf("sample 0 = %+v", samples[0])
	}
	if !samples[1].ok || samples[1].value != 114 || samples[1].epoch != 1735131600 {
		t.Errorf("sample 1 = %+v", samples[1])
	}
}

// A segment containing {valid, NaN, valid} yields two usable samples.
func TestDecodeEntriesSentinelSkipped(t *testing.T) {
	m := testEntryMap()
	data := entryBytes(1735128000, 0x005F)
	data = append(data, entryBytes(1735131600, 0x07FF)...)
	data = append(data, entryBytes(1735135200, 0x0072)...)

	samples, err := decodeEntries(data, m)
	if err != nil {
		t.Fatalf("decodeEntries() error: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
	if !samples[0].ok || samples[1].ok || !samples[2].ok {
		t.Errorf("ok flags = %v %v %v, want true false true", samples[0].ok, samples[1].ok, samples[2].ok)
	}
}

func TestDecodeEntriesRaggedSegment(t *testing.T) {
	m := testEntryMap()
	data := entryBytes(1735128000, 0x005F)
	if _, err := decodeEntries(data[:len(data)-1], m); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("decodeEntries() error = %v, want %v", err, ErrMalformedFrame)
	}
}

func TestDeriveReading(t *testing.T) {
	tests := []struct {
		name      string
		s         sample
		storeUnit uint16
		wantMg    uint16
		wantMmol  float64
		wantErr   error
	}{
		{
			name:      "mg/dL advertised",
			s:         sample{epoch: 1735128000, hasAbs: true, value: 95, ok: true},
			storeUnit: UnitMgPerDL,
			wantMg:    95,
			wantMmol:  95.0 / 18.0,
		},
		{
			name:      "mmol/L advertised",
			s:         sample{epoch: 1735128000, hasAbs: true, value: 8.4, ok: true},
			storeUnit: UnitMmolPerL,
			wantMg:    151,
			wantMmol:  151.0 / 18.0,
		},
		{
			name:      "per-entry unit wins",
			s:         sample{epoch: 1735128000, hasAbs: true, value: 8.4, ok: true, unit: UnitMmolPerL, hasUnit: true},
			storeUnit: UnitMgPerDL,
			wantMg:    151,
			wantMmol:  151.0 / 18.0,
		},
		{
			name:      "no unit defaults to mg/dL",
			s:         sample{epoch: 1735128000, hasAbs: true, value: 104.5, ok: true},
			storeUnit: 0,
			wantMg:    105,
			wantMmol:  105.0 / 18.0,
		},
		{
			name:    "relative time only",
			s:       sample{value: 95, ok: true},
			wantErr: ErrMissingAbsoluteTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := deriveReading(4, tt.s, tt.storeUnit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("deriveReading() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("deriveReading() error: %v", err)
			}
			if r.ID != 4 {
				t.Errorf("id = %d, want 4", r.ID)
			}
			if r.MgPerDL != tt.wantMg {
				t.Errorf("mg/dL = %d, want %d", r.MgPerDL, tt.wantMg)
			}
			if math.Abs(r.MmolPerL-tt.wantMmol) > 1e-9 {
				t.Errorf("mmol/L = %v, want %v", r.MmolPerL, tt.wantMmol)
			}
			if r.MmolPerL != float64(r.MgPerDL)/18.0 {
				t.Errorf("mmol/L %v is not mg/dL %d divided by 18", r.MmolPerL, r.MgPerDL)
			}
		})
	}
}

func TestSegmentDataEventRoundTrip(t *testing.T) {
	descr := SegmentDataDescr{
		Instance:   2,
		EntryIndex: 10,
		EntryCount: 3,
		Status:     segStatusFirst | segStatusLast,
	}
	entries := entryBytes(1735128000, 0x005F)
	info := descr.Encode()
	info = binary.BigEndian.AppendUint16(info, uint16(len(entries)))
	info = append(info, entries...)

	gotDescr, gotEntries, err := parseSegmentDataEvent(info)
	if err != nil {
		t.Fatalf("parseSegmentDataEvent() error: %v", err)
	}
	if gotDescr != descr {
		t.Errorf("descriptor = %+v, want %+v", gotDescr, descr)
	}
	if !reflect.DeepEqual(gotEntries, entries) {
		t.Errorf("entries = % x, want % x", gotEntries, entries)
	}
	if !gotDescr.Last() {
		t.Error("Last() = false for a last chunk")
	}
}

func TestSegmentDataEventTruncated(t *testing.T) {
	if _, _, err := parseSegmentDataEvent(make([]byte, 8)); !errors.Is(err, ErrTruncated) {
		t.Errorf("parseSegmentDataEvent() error = %v, want %v", err, ErrTruncated)
	}
}
