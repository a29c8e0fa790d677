// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"encoding/binary"
	"fmt"
)

// Nomenclature codes used by the driver. Object classes, attribute ids
// and event/action types come from the 11073 nomenclature partitions;
// the dimension codes are the ones glucose meters advertise.
const (
	// Object classes
	ClassMDS      uint16 = 0x0025 // MDC_MOC_VMS_MDS_SIMP
	ClassMetricNU uint16 = 0x0006 // MDC_MOC_VMO_METRIC_NU
	ClassPMStore  uint16 = 0x003D // MDC_MOC_VMO_PM_STORE

	// Attribute ids
	AttrIDModel       uint16 = 0x0928 // MDC_ATTR_ID_MODEL
	AttrIDProdSpec    uint16 = 0x092D // MDC_ATTR_ID_PROD_SPECIFN
	AttrIDType        uint16 = 0x092F // MDC_ATTR_ID_TYPE
	AttrNumSegments   uint16 = 0x0951 // MDC_ATTR_NUM_SEG
	AttrSegmentMap    uint16 = 0x0952 // MDC_ATTR_PM_SEG_MAP
	AttrStoreCapab    uint16 = 0x0953 // MDC_ATTR_PM_STORE_CAPAB
	AttrSegUsageCount uint16 = 0x097B // MDC_ATTR_SEG_USAGE_CNT
	AttrSystemID      uint16 = 0x0984 // MDC_ATTR_SYS_ID
	AttrSystemType    uint16 = 0x0986 // MDC_ATTR_SYS_TYPE
	AttrTimeAbs       uint16 = 0x0987 // MDC_ATTR_TIME_ABS
	AttrTimeRel       uint16 = 0x098F // MDC_ATTR_TIME_REL
	AttrUnitCode      uint16 = 0x0996 // MDC_ATTR_UNIT_CODE
	AttrDevConfigID   uint16 = 0x0A44 // MDC_ATTR_DEV_CONFIG_ID
	AttrNuValueBasic  uint16 = 0x0A4C // MDC_ATTR_NU_VAL_OBS_BASIC
	AttrValueMap      uint16 = 0x0A55 // MDC_ATTR_ATTRIBUTE_VAL_MAP
	AttrNuValueSimple uint16 = 0x0A56 // MDC_ATTR_NU_VAL_OBS_SIMP

	// Event types
	EventConfig      uint16 = 0x0D1C // MDC_NOTI_CONFIG
	EventSegmentData uint16 = 0x0D21 // MDC_NOTI_SEGMENT_DATA

	// Action types
	ActionSegmentInfo    uint16 = 0x0C0D // MDC_ACT_SEG_GET_INFO
	ActionTrigSegmentXfr uint16 = 0x0C1C // MDC_ACT_SEG_TRIG_XFER

	// Dimension codes
	UnitMgPerDL  uint16 = 0x0FF0 // MDC_DIM_MILLI_G_PER_DL
	UnitMmolPerL uint16 = 0x0F8E // MDC_DIM_MILLI_MOLE_PER_L
)

// Config event result code sent back to the agent.
const configAccepted uint16 = 0x0000

// Attribute is one id/value pair from an attribute list. Values stay
// raw bytes at this layer; interpretation is keyed off the id.
type Attribute struct {
	ID    uint16
	Value []byte
}

// AttributeList is the wire form
//
//	Count           : 2 bytes
//	Length          : 2 bytes
//	Count times     : id 2 bytes, value length 2 bytes, value
type AttributeList []Attribute

func (l AttributeList) Encode() []byte {
	payload := make([]byte, 0, 8*len(l))
	for _, a := range l {
		payload = appendUint16(payload, a.ID)
		payload = appendUint16(payload, uint16(len(a.Value)))
		payload = append(payload, a.Value...)
	}
	b := appendUint16(nil, uint16(len(l)))
	b = appendUint16(b, uint16(len(payload)))
	return append(b, payload...)
}

// parseAttributeList consumes one attribute list from the front of b and
// returns it along with the number of bytes consumed.
func parseAttributeList(b []byte) (AttributeList, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("%w: attribute list header", ErrTruncated)
	}
	count := int(binary.BigEndian.Uint16(b))
	length := int(binary.BigEndian.Uint16(b[2:]))
	if len(b)-4 < length {
		return nil, 0, fmt.Errorf("%w: attribute list declared %d bytes, have %d", ErrTruncated, length, len(b)-4)
	}
	list := make(AttributeList, 0, count)
	rest := b[4 : 4+length]
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, 0, fmt.Errorf("%w: attribute header", ErrTruncated)
		}
		id := binary.BigEndian.Uint16(rest)
		vlen := int(binary.BigEndian.Uint16(rest[2:]))
		if len(rest)-4 < vlen {
			return nil, 0, fmt.Errorf("%w: attribute 0x%04x declared %d bytes, have %d", ErrTruncated, id, vlen, len(rest)-4)
		}
		list = append(list, Attribute{ID: id, Value: rest[4 : 4+vlen]})
		rest = rest[4+vlen:]
	}
	return list, 4 + length, nil
}

// Get returns the raw value of the attribute with the given id.
func (l AttributeList) Get(id uint16) ([]byte, bool) {
	for _, a := range l {
		if a.ID == id {
			return a.Value, true
		}
	}
	return nil, false
}

// Uint16 returns the attribute value interpreted as a single u16.
func (l AttributeList) Uint16(id uint16) (uint16, bool) {
	v, ok := l.Get(id)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// ConfigObject is one entry of a configuration report: an object the
// agent instantiates, with its class, handle and attribute descriptors.
type ConfigObject struct {
	Class      uint16
	Handle     uint16
	Attributes AttributeList
}

// ConfigReport is the agent's self description, received in the
// MDC_NOTI_CONFIG event after an accepted-unknown-config association.
// It identifies the semantic layout of the measurement objects for the
// rest of the session.
type ConfigReport struct {
	ReportID uint16
	Objects  []ConfigObject
}

// ParseConfigReport parses the info block of a config event:
//
//	Config report id : 2 bytes
//	Object list      : count 2 bytes, length 2 bytes, count times:
//	  Object class   : 2 bytes
//	  Object handle  : 2 bytes
//	  Attributes     : attribute list
func ParseConfigReport(info []byte) (*ConfigReport, error) {
	if len(info) < 6 {
		return nil, fmt.Errorf("%w: config report of %d bytes", ErrTruncated, len(info))
	}
	r := &ConfigReport{ReportID: binary.BigEndian.Uint16(info)}
	count := int(binary.BigEndian.Uint16(info[2:]))
	rest := info[6:]
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: config object header", ErrTruncated)
		}
		obj := ConfigObject{
			Class:  binary.BigEndian.Uint16(rest),
			Handle: binary.BigEndian.Uint16(rest[2:]),
		}
		attrs, n, err := parseAttributeList(rest[4:])
		if err != nil {
			return nil, err
		}
		obj.Attributes = attrs
		r.Objects = append(r.Objects, obj)
		rest = rest[4+n:]
	}
	return r, nil
}

func (r *ConfigReport) Encode() []byte {
	var objs []byte
	for _, o := range r.Objects {
		objs = appendUint16(objs, o.Class)
		objs = appendUint16(objs, o.Handle)
		objs = append(objs, o.Attributes.Encode()...)
	}
	b := appendUint16(nil, r.ReportID)
	b = appendUint16(b, uint16(len(r.Objects)))
	b = appendUint16(b, uint16(len(objs)))
	return append(b, objs...)
}

// Stores returns the PM-Store objects advertised by the configuration.
func (r *ConfigReport) Stores() []ConfigObject {
	var stores []ConfigObject
	for _, o := range r.Objects {
		if o.Class == ClassPMStore {
			stores = append(stores, o)
		}
	}
	return stores
}

// unitFor resolves the advertised dimension code for the metric with the
// given handle: the metric object's own unit attribute wins, then a unit
// on the store object, zero if nothing is advertised.
func (r *ConfigReport) unitFor(metricHandle, storeHandle uint16) uint16 {
	for _, o := range r.Objects {
		if o.Handle == metricHandle {
			if u, ok := o.Attributes.Uint16(AttrUnitCode); ok {
				return u
			}
		}
	}
	for _, o := range r.Objects {
		if o.Handle == storeHandle {
			if u, ok := o.Attributes.Uint16(AttrUnitCode); ok {
				return u
			}
		}
	}
	return 0
}

// MDS holds the medical data service attributes returned by the get
// issued after configuration, identifying the peer device.
type MDS struct {
	Manufacturer string
	Model        string
	SystemID     []byte
	SystemType   uint32
	DevConfigID  uint16
	// DeviceEpoch is the meter wall clock at the moment of the reply.
	DeviceEpoch int64
	ProdSpecs   []string
	Attributes  AttributeList
}

// parseMDS interprets a get response against handle 0. System id and
// absolute time are mandatory; the rest is kept when present.
func parseMDS(attrs AttributeList) (*MDS, error) {
	m := &MDS{Attributes: attrs}

	sysID, ok := attrs.Get(AttrSystemID)
	if !ok {
		return nil, fmt.Errorf("%w: system id (0x%04x)", ErrAttributeMissing, AttrSystemID)
	}
	// Octet string: 2-byte length prefix.
	if len(sysID) >= 2 {
		n := int(binary.BigEndian.Uint16(sysID))
		if len(sysID)-2 >= n {
			sysID = sysID[2 : 2+n]
		}
	}
	m.SystemID = append([]byte(nil), sysID...)

	absTime, ok := attrs.Get(AttrTimeAbs)
	if !ok {
		return nil, fmt.Errorf("%w: absolute time (0x%04x)", ErrAttributeMissing, AttrTimeAbs)
	}
	epoch, err := DecodeAbsoluteTime(absTime)
	if err != nil {
		return nil, err
	}
	m.DeviceEpoch = epoch

	if v, ok := attrs.Get(AttrIDModel); ok {
		m.Manufacturer, v = takeOctetString(v)
		m.Model, _ = takeOctetString(v)
	}
	if v, ok := attrs.Get(AttrSystemType); ok && len(v) >= 4 {
		m.SystemType = binary.BigEndian.Uint32(v)
	}
	if v, ok := attrs.Uint16(AttrDevConfigID); ok {
		m.DevConfigID = v
	}
	if v, ok := attrs.Get(AttrIDProdSpec); ok {
		m.ProdSpecs = parseProdSpecs(v)
	}
	return m, nil
}

// takeOctetString consumes one length-prefixed string from b.
func takeOctetString(b []byte) (string, []byte) {
	if len(b) < 2 {
		return "", nil
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b)-2 < n {
		return "", nil
	}
	return string(b[2 : 2+n]), b[2+n:]
}

// parseProdSpecs walks a production spec list:
//
//	Count           : 2 bytes
//	Length          : 2 bytes
//	Count times     : spec type 2 bytes, component id 2 bytes, value octet string
func parseProdSpecs(b []byte) []string {
	if len(b) < 4 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(b))
	rest := b[4:]
	var specs []string
	for i := 0; i < count && len(rest) >= 4; i++ {
		rest = rest[4:]
		var s string
		s, rest = takeOctetString(rest)
		if s != "" {
			specs = append(specs, s)
		}
	}
	return specs
}
