// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestDecodeSFloat(t *testing.T) {
	tests := []struct {
		name   string
		raw    uint16
		want   float64
		wantOK bool
	}{
		{"exponent 0 mantissa 114", 0x0072, 114, true},
		{"exponent -1 mantissa 160", 0xF0A0, 16, true},
		{"exponent 0 mantissa 84", 0x0054, 84, true},
		{"exponent -1 mantissa 84", 0xF054, 8.4, true},
		{"exponent 0 mantissa 95", 0x005F, 95, true},
		{"exponent 1", 0x1010, 160, true},
		{"negative mantissa", 0x0FFD, -3, true},
		{"nan", 0x07FF, 0, false},
		{"nres", 0x0800, 0, false},
		{"positive infinity", 0x07FE, 0, false},
		{"negative infinity", 0x0802, 0, false},
		{"reserved", 0x0801, 0, false},
		{"nan mantissa with nonzero exponent is a value", 0x17FF, 20470, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeSFloat(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("DecodeSFloat(0x%04x) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if ok && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("DecodeSFloat(0x%04x) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDecodeFloat(t *testing.T) {
	tests := []struct {
		name   string
		raw    uint32
		want   float64
		wantOK bool
	}{
		{"exponent 0 mantissa 95", 0x0000005F, 95, true},
		{"exponent -2 mantissa 9500", 0xFE00251C, 95, true},
		{"negative mantissa", 0x00FFFFF0, -16, true},
		{"nan", 0x007FFFFF, 0, false},
		{"nres", 0x00800000, 0, false},
		{"positive infinity", 0x007FFFFE, 0, false},
		{"negative infinity", 0x00800002, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeFloat(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("DecodeFloat(0x%08x) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if ok && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("DecodeFloat(0x%08x) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDecodeAbsoluteTime(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		want    int64
		wantErr error
	}{
		{
			name: "christmas noon 2024",
			raw:  []byte{0x20, 0x24, 0x12, 0x25, 0x12, 0x00, 0x00, 0x00},
			want: 1735128000,
		},
		{
			name: "epoch",
			raw:  []byte{0x19, 0x70, 0x01, 0x01, 0x00, 0x00, 0x00, 0x00},
			want: 0,
		},
		{
			name:    "short value",
			raw:     []byte{0x20, 0x24, 0x12},
			wantErr: ErrTruncated,
		},
		{
			name:    "not bcd",
			raw:     []byte{0x20, 0x2A, 0x12, 0x25, 0x12, 0x00, 0x00, 0x00},
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "month out of range",
			raw:     []byte{0x20, 0x24, 0x13, 0x25, 0x12, 0x00, 0x00, 0x00},
			wantErr: ErrMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAbsoluteTime(tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeAbsoluteTime() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeAbsoluteTime() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeAbsoluteTime(% x) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestEncodeAbsoluteTimeRoundTrip(t *testing.T) {
	epochs := []int64{0, 1735128000, 946684800, 2147483647}
	for _, epoch := range epochs {
		raw := EncodeAbsoluteTime(epoch)
		if len(raw) != absoluteTimeSize {
			t.Fatalf("EncodeAbsoluteTime(%d) is %d bytes", epoch, len(raw))
		}
		got, err := DecodeAbsoluteTime(raw)
		if err != nil {
			t.Fatalf("DecodeAbsoluteTime() error: %v", err)
		}
		if got != epoch {
			t.Errorf("round trip of %d gave %d (% x)", epoch, got, raw)
		}
	}

	want := []byte{0x20, 0x24, 0x12, 0x25, 0x12, 0x00, 0x00, 0x00}
	if got := EncodeAbsoluteTime(1735128000); !bytes.Equal(got, want) {
		t.Errorf("EncodeAbsoluteTime(1735128000) = % x, want % x", got, want)
	}
}
