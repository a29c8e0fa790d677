// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMeterIDs(t *testing.T) {
	require.Len(t, DefaultMeterIDs, 3)
	for _, id := range DefaultMeterIDs {
		assert.Equal(t, uint16(0x173A), id.Vendor, "all known meters are Roche devices")
	}
	assert.Equal(t, "173a:21d5", DefaultMeterIDs[0].String())
}

func TestMatchesMeterID(t *testing.T) {
	desc := &gousb.DeviceDesc{Vendor: 0x173A, Product: 0x21D7}
	assert.True(t, matchesMeterID(DefaultMeterIDs, desc))

	other := &gousb.DeviceDesc{Vendor: 0x173A, Product: 0x0001}
	assert.False(t, matchesMeterID(DefaultMeterIDs, other))

	foreign := &gousb.DeviceDesc{Vendor: 0x1234, Product: 0x21D5}
	assert.False(t, matchesMeterID(DefaultMeterIDs, foreign))
}

func TestLoadMeterIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	content := "- vendor: 0x173a\n  product: 0x21d5\n- vendor: 0x173a\n  product: 0x21d8\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ids, err := LoadMeterIDs(path)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, MeterID{Vendor: 0x173A, Product: 0x21D5}, ids[0])
	assert.Equal(t, MeterID{Vendor: 0x173A, Product: 0x21D8}, ids[1])
}

func TestLoadMeterIDsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("[]\n"), 0o644))

	_, err := LoadMeterIDs(path)
	assert.Error(t, err)
}

func TestLoadMeterIDsMissingFile(t *testing.T) {
	_, err := LoadMeterIDs(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
