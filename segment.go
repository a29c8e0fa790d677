// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reading is one decoded glucose result. MmolPerL is derived from
// MgPerDL at exactly 18 mg/dL per mmol/L.
type Reading struct {
	// ID is the monotonic index within the session, starting at 0.
	ID uint32
	// Epoch is the meter wall clock in UNIX seconds, interpreted as UTC.
	Epoch int64
	// MgPerDL is the measured concentration in mg/dL.
	MgPerDL uint16
	// MmolPerL is MgPerDL divided by 18.
	MmolPerL float64
}

const mgPerDLPerMmolPerL = 18.0

func (r Reading) String() string {
	return fmt.Sprintf("#%d %d mg/dL (%.2f mmol/L) at %d", r.ID, r.MgPerDL, r.MmolPerL, r.Epoch)
}

// Segment entry header flags: which timestamps precede each entry.
const (
	entryHeaderAbsTime uint16 = 0x8000
	entryHeaderRelTime uint16 = 0x4000
)

// Segment data event status flags.
const (
	segStatusFirst          uint16 = 0x8000
	segStatusLast           uint16 = 0x4000
	segStatusAgentAbort     uint16 = 0x0800
	segStatusManagerConfirm uint16 = 0x0080
)

// EntryElem describes one object contributing fixed data to a segment
// entry: its value map lists the attribute ids and byte widths laid out
// in entry order.
type EntryElem struct {
	Class    uint16
	Type     uint32
	Handle   uint16
	ValueMap []ValueMapEntry
}

// ValueMapEntry is one attribute id / byte width pair.
type ValueMapEntry struct {
	ID     uint16
	Length uint16
}

// EntryMap is the PM-Segment entry layout from the configuration:
// header flags select the per-entry timestamps, the elements describe
// the fixed data that follows them.
type EntryMap struct {
	HeaderFlags uint16
	Elems       []EntryElem
}

// ParseEntryMap parses an MDC_ATTR_PM_SEG_MAP value:
//
//	Header flags    : 2 bytes
//	Element list    : count 2 bytes, length 2 bytes, count times:
//	  Class id      : 2 bytes
//	  Metric type   : 4 bytes (partition, code)
//	  Handle        : 2 bytes
//	  Value map     : count 2 bytes, length 2 bytes, count x (id 2, len 2)
func ParseEntryMap(b []byte) (*EntryMap, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("%w: entry map of %d bytes", ErrTruncated, len(b))
	}
	m := &EntryMap{HeaderFlags: binary.BigEndian.Uint16(b)}
	count := int(binary.BigEndian.Uint16(b[2:]))
	rest := b[6:]
	for i := 0; i < count; i++ {
		if len(rest) < 12 {
			return nil, fmt.Errorf("%w: entry map element", ErrTruncated)
		}
		elem := EntryElem{
			Class:  binary.BigEndian.Uint16(rest),
			Type:   binary.BigEndian.Uint32(rest[2:]),
			Handle: binary.BigEndian.Uint16(rest[6:]),
		}
		vmCount := int(binary.BigEndian.Uint16(rest[8:]))
		vmLen := int(binary.BigEndian.Uint16(rest[10:]))
		rest = rest[12:]
		if len(rest) < vmLen || vmLen != 4*vmCount {
			return nil, fmt.Errorf("%w: entry map value map", ErrTruncated)
		}
		for j := 0; j < vmCount; j++ {
			elem.ValueMap = append(elem.ValueMap, ValueMapEntry{
				ID:     binary.BigEndian.Uint16(rest[4*j:]),
				Length: binary.BigEndian.Uint16(rest[4*j+2:]),
			})
		}
		rest = rest[vmLen:]
		m.Elems = append(m.Elems, elem)
	}
	return m, nil
}

func (m *EntryMap) Encode() []byte {
	var elems []byte
	for _, e := range m.Elems {
		elems = appendUint16(elems, e.Class)
		elems = appendUint32(elems, e.Type)
		elems = appendUint16(elems, e.Handle)
		elems = appendUint16(elems, uint16(len(e.ValueMap)))
		elems = appendUint16(elems, uint16(4*len(e.ValueMap)))
		for _, vm := range e.ValueMap {
			elems = appendUint16(elems, vm.ID)
			elems = appendUint16(elems, vm.Length)
		}
	}
	b := appendUint16(nil, m.HeaderFlags)
	b = appendUint16(b, uint16(len(m.Elems)))
	b = appendUint16(b, uint16(len(elems)))
	return append(b, elems...)
}

// entrySize is the fixed byte width of one segment entry.
func (m *EntryMap) entrySize() int {
	size := 0
	if m.HeaderFlags&entryHeaderAbsTime != 0 {
		size += absoluteTimeSize
	}
	if m.HeaderFlags&entryHeaderRelTime != 0 {
		size += 4
	}
	for _, e := range m.Elems {
		for _, vm := range e.ValueMap {
			size += int(vm.Length)
		}
	}
	return size
}

// PMStore describes one persistent measurement store advertised by the
// configuration: its handle, capability flags, the entry layout of its
// segments and the advertised unit for the stored metric.
type PMStore struct {
	Handle      uint16
	Capab       uint16
	EntryMap    *EntryMap
	Unit        uint16
	NumSegments uint16
}

// storesFromConfig builds the PM-Store descriptors the decoder walks.
// A configuration without any store is unusable for this driver.
func storesFromConfig(cfg *ConfigReport) ([]*PMStore, error) {
	var stores []*PMStore
	for _, obj := range cfg.Stores() {
		store := &PMStore{Handle: obj.Handle}
		if v, ok := obj.Attributes.Uint16(AttrStoreCapab); ok {
			store.Capab = v
		}
		if v, ok := obj.Attributes.Uint16(AttrNumSegments); ok {
			store.NumSegments = v
		}
		raw, ok := obj.Attributes.Get(AttrSegmentMap)
		if !ok {
			return nil, fmt.Errorf("%w: segment map (0x%04x) on store %d", ErrAttributeMissing, AttrSegmentMap, obj.Handle)
		}
		m, err := ParseEntryMap(raw)
		if err != nil {
			return nil, err
		}
		store.EntryMap = m
		for _, elem := range m.Elems {
			if u := cfg.unitFor(elem.Handle, obj.Handle); u != 0 {
				store.Unit = u
				break
			}
		}
		stores = append(stores, store)
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("%w: no persistent measurement store advertised", ErrUnexpectedConfig)
	}
	return stores, nil
}

// SegmentDataDescr heads every segment data event:
//
//	Segment instance: 2 bytes
//	Entry index     : 4 bytes
//	Entry count     : 4 bytes
//	Status          : 2 bytes
type SegmentDataDescr struct {
	Instance   uint16
	EntryIndex uint32
	EntryCount uint32
	Status     uint16
}

const segmentDataDescrSize = 12

// Last reports the final-chunk flag.
func (d SegmentDataDescr) Last() bool { return d.Status&segStatusLast != 0 }

func (d SegmentDataDescr) Encode() []byte {
	b := appendUint16(nil, d.Instance)
	b = appendUint32(b, d.EntryIndex)
	b = appendUint32(b, d.EntryCount)
	return appendUint16(b, d.Status)
}

// parseSegmentDataEvent splits a segment data event info block into its
// descriptor and raw entry bytes:
//
//	Descriptor      : 12 bytes
//	Entries length  : 2 bytes
//	Entries         : length bytes
func parseSegmentDataEvent(info []byte) (SegmentDataDescr, []byte, error) {
	if len(info) < segmentDataDescrSize+2 {
		return SegmentDataDescr{}, nil, fmt.Errorf("%w: segment data event of %d bytes", ErrTruncated, len(info))
	}
	d := SegmentDataDescr{
		Instance:   binary.BigEndian.Uint16(info),
		EntryIndex: binary.BigEndian.Uint32(info[2:]),
		EntryCount: binary.BigEndian.Uint32(info[6:]),
		Status:     binary.BigEndian.Uint16(info[10:]),
	}
	length := int(binary.BigEndian.Uint16(info[segmentDataDescrSize:]))
	rest := info[segmentDataDescrSize+2:]
	if len(rest) < length {
		return SegmentDataDescr{}, nil, fmt.Errorf("%w: segment entries declared %d bytes, have %d", ErrTruncated, length, len(rest))
	}
	return d, rest[:length], nil
}

// sample is one decoded segment entry before unit derivation.
type sample struct {
	epoch   int64
	hasAbs  bool
	value   float64
	ok      bool
	unit    uint16
	hasUnit bool
}

// decodeEntries walks the concatenated segment bytes with the entry map.
// Entries whose sample is a numeric sentinel come back with ok=false.
func decodeEntries(data []byte, m *EntryMap) ([]sample, error) {
	size := m.entrySize()
	if size == 0 {
		return nil, fmt.Errorf("%w: entry map describes empty entries", ErrUnexpectedConfig)
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%w: segment of %d bytes is not a multiple of the %d byte entry", ErrMalformedFrame, len(data), size)
	}
	var samples []sample
	for off := 0; off < len(data); off += size {
		entry := data[off : off+size]
		var s sample
		if m.HeaderFlags&entryHeaderAbsTime != 0 {
			epoch, err := DecodeAbsoluteTime(entry)
			if err != nil {
				return nil, err
			}
			s.epoch, s.hasAbs = epoch, true
			entry = entry[absoluteTimeSize:]
		}
		if m.HeaderFlags&entryHeaderRelTime != 0 {
			// Eighths of a second from an agent-defined origin; unusable
			// without a wall clock, kept only to advance the cursor.
			entry = entry[4:]
		}
		for _, elem := range m.Elems {
			for _, vm := range elem.ValueMap {
				field := entry[:vm.Length]
				entry = entry[vm.Length:]
				switch vm.ID {
				case AttrNuValueBasic:
					if len(field) >= 2 {
						s.value, s.ok = DecodeSFloat(binary.BigEndian.Uint16(field))
					}
				case AttrNuValueSimple:
					if len(field) >= 4 {
						s.value, s.ok = DecodeFloat(binary.BigEndian.Uint32(field))
					}
				case AttrUnitCode:
					if len(field) >= 2 {
						s.unit, s.hasUnit = binary.BigEndian.Uint16(field), true
					}
				case AttrTimeAbs:
					if epoch, err := DecodeAbsoluteTime(field); err == nil {
						s.epoch, s.hasAbs = epoch, true
					}
				}
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// deriveReading converts a decoded sample into a Reading. The unit
// resolution order is per-entry unit, then the unit advertised by the
// configuration, then mg/dL (what Accu-Chek meters measure natively).
func deriveReading(id uint32, s sample, storeUnit uint16) (Reading, error) {
	if !s.hasAbs {
		return Reading{}, fmt.Errorf("%w: reading %d", ErrMissingAbsoluteTime, id)
	}
	unit := storeUnit
	if s.hasUnit {
		unit = s.unit
	}
	var mg uint16
	switch unit {
	case UnitMmolPerL:
		mg = uint16(math.Round(s.value * mgPerDLPerMmolPerL))
	default:
		mg = uint16(math.Round(s.value))
	}
	return Reading{
		ID:       id,
		Epoch:    s.epoch,
		MgPerDL:  mg,
		MmolPerL: float64(mg) / mgPerDLPerMmolPerL,
	}, nil
}
