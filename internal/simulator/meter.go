// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package simulator implements a scripted Accu-Chek meter: a 20601
// agent that associates, announces its configuration, answers gets and
// streams stored glucose entries. A Meter works over any io.ReadWriter;
// tests run it behind a pseudo terminal.
package simulator

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/lumberbarons/accuchek"
)

// Meter object handles used by the simulated configuration.
const (
	StoreHandle  uint16 = 1
	MetricHandle uint16 = 2

	// ConfigReportID mimics a Roche extended configuration id.
	ConfigReportID uint16 = 0x4BCD
)

// Entry is one stored measurement. The value is kept in SFLOAT form so
// scripts can place sentinel patterns directly.
type Entry struct {
	Epoch  int64
	SFloat uint16
}

// Config shapes the simulated meter.
type Config struct {
	// SystemID is the 8-byte device identity. Defaults to a fixed id.
	SystemID []byte
	// Manufacturer and Model fill the model attribute.
	Manufacturer string
	Model        string
	// SerialNumber fills the production spec attribute.
	SerialNumber string
	// Unit is the advertised dimension code. Defaults to mg/dL.
	Unit uint16
	// DeviceEpoch is the meter wall clock reported by the MDS.
	DeviceEpoch int64
	// Segments holds the stored entries, one slice per segment.
	Segments [][]Entry
	// ChunkSize caps entries per segment data event. 0 means one event
	// per segment.
	ChunkSize int
	// AssocResult overrides the AARE result. Defaults to
	// accepted-unknown-config, the branch real meters take.
	AssocResult *uint16
	Logger      *log.Logger
}

// Meter serves one association over an io.ReadWriter.
type Meter struct {
	cfg      Config
	rw       io.ReadWriter
	invokeID uint16
	logger   *log.Logger
}

// NewMeter creates a meter over rw, filling config defaults.
func NewMeter(rw io.ReadWriter, cfg Config) *Meter {
	if cfg.SystemID == nil {
		cfg.SystemID = []byte{0x00, 0x60, 0x19, 0x31, 0x2E, 0x01, 0x02, 0x03}
	}
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = "Roche"
	}
	if cfg.Model == "" {
		cfg.Model = "Performa Combo"
	}
	if cfg.SerialNumber == "" {
		cfg.SerialNumber = "00412345"
	}
	if cfg.Unit == 0 {
		cfg.Unit = accuchek.UnitMgPerDL
	}
	if cfg.DeviceEpoch == 0 {
		cfg.DeviceEpoch = 1735128000
	}
	logger := cfg.Logger
	return &Meter{cfg: cfg, rw: rw, invokeID: 0x3E00, logger: logger}
}

func (m *Meter) logf(format string, v ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, v...)
	}
}

// Serve runs one full association until release, abort or I/O error.
func (m *Meter) Serve() error {
	apdu, err := m.read()
	if err != nil {
		return err
	}
	if apdu.Choice != accuchek.ChoiceAarq {
		return fmt.Errorf("meter: expected AARQ, got 0x%04x", apdu.Choice)
	}

	result := accuchek.ResultAcceptedUnknownConf
	if m.cfg.AssocResult != nil {
		result = *m.cfg.AssocResult
	}
	if err := m.write(&accuchek.Apdu{
		Choice: accuchek.ChoiceAare,
		Aare: &accuchek.AssociationResponse{
			Result:   result,
			Protocol: m.protocolInfo(),
		},
	}); err != nil {
		return err
	}
	if result != accuchek.ResultAcceptedUnknownConf && result != accuchek.ResultAccepted {
		m.logf("meter: rejected association (0x%04x)", result)
		return nil
	}

	if result == accuchek.ResultAcceptedUnknownConf {
		if err := m.announceConfig(); err != nil {
			return err
		}
	}
	return m.operate()
}

func (m *Meter) protocolInfo() accuchek.ProtocolInfo {
	return accuchek.ProtocolInfo{
		ProtocolVersion:     0x80000000,
		EncodingRules:       0x8000,
		NomenclatureVersion: 0x80000000,
		SystemType:          0x00800000,
		SystemID:            m.cfg.SystemID,
		DevConfigID:         ConfigReportID,
	}
}

// announceConfig sends the config event report and waits for the
// manager's confirmation.
func (m *Meter) announceConfig() error {
	report := m.configReport()
	event := &accuchek.EventReport{
		Handle:    0,
		EventType: accuchek.EventConfig,
		Info:      report.Encode(),
	}
	rsp, err := m.invoke(event)
	if err != nil {
		return err
	}
	if len(rsp.Reply) < 4 || binary.BigEndian.Uint16(rsp.Reply) != ConfigReportID {
		return fmt.Errorf("meter: config confirmation for wrong report")
	}
	if code := binary.BigEndian.Uint16(rsp.Reply[2:]); code != 0 {
		return fmt.Errorf("meter: config refused (0x%04x)", code)
	}
	m.logf("meter: configuration accepted")
	return nil
}

func (m *Meter) configReport() *accuchek.ConfigReport {
	entryMap := &accuchek.EntryMap{
		HeaderFlags: 0x8000, // absolute timestamp per entry
		Elems: []accuchek.EntryElem{{
			Class:  accuchek.ClassMetricNU,
			Type:   0x00020000 | 0x4A48, // partition SCADA, glucose
			Handle: MetricHandle,
			ValueMap: []accuchek.ValueMapEntry{
				{ID: accuchek.AttrNuValueBasic, Length: 2},
			},
		}},
	}
	u16 := func(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
	return &accuchek.ConfigReport{
		ReportID: ConfigReportID,
		Objects: []accuchek.ConfigObject{
			{
				Class:  accuchek.ClassPMStore,
				Handle: StoreHandle,
				Attributes: accuchek.AttributeList{
					{ID: accuchek.AttrStoreCapab, Value: u16(0x0400)},
					{ID: accuchek.AttrNumSegments, Value: u16(uint16(len(m.cfg.Segments)))},
					{ID: accuchek.AttrSegmentMap, Value: entryMap.Encode()},
				},
			},
			{
				Class:  accuchek.ClassMetricNU,
				Handle: MetricHandle,
				Attributes: accuchek.AttributeList{
					{ID: accuchek.AttrUnitCode, Value: u16(m.cfg.Unit)},
				},
			},
		},
	}
}

// operate answers manager requests until the association ends.
func (m *Meter) operate() error {
	for {
		apdu, err := m.read()
		if err != nil {
			return err
		}
		switch apdu.Choice {
		case accuchek.ChoiceRlrq:
			m.logf("meter: released")
			return m.write(&accuchek.Apdu{Choice: accuchek.ChoiceRlre, Reason: accuchek.ReleaseReasonNormal})
		case accuchek.ChoiceAbrt:
			return nil
		case accuchek.ChoicePrst:
			if err := m.dispatch(apdu.Data); err != nil {
				return err
			}
		default:
			return fmt.Errorf("meter: unexpected apdu 0x%04x", apdu.Choice)
		}
	}
}

func (m *Meter) dispatch(d *accuchek.DataApdu) error {
	switch d.Choice {
	case accuchek.RoivGet:
		get, err := accuchek.ParseGetRequest(d.Payload)
		if err != nil {
			return err
		}
		return m.answerGet(d.InvokeID, get)
	case accuchek.RoivConfirmedAction:
		action, err := accuchek.ParseActionRequest(d.Payload)
		if err != nil {
			return err
		}
		return m.answerAction(d.InvokeID, action)
	default:
		return m.result(d.InvokeID, accuchek.Roer, binary.BigEndian.AppendUint16(nil, 0x0009))
	}
}

func (m *Meter) answerGet(invokeID uint16, get *accuchek.GetRequest) error {
	u16 := func(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
	var attrs accuchek.AttributeList
	switch get.Handle {
	case 0:
		octet := func(s string) []byte {
			b := binary.BigEndian.AppendUint16(nil, uint16(len(s)))
			return append(b, s...)
		}
		sysID := binary.BigEndian.AppendUint16(nil, uint16(len(m.cfg.SystemID)))
		sysID = append(sysID, m.cfg.SystemID...)
		model := append(octet(m.cfg.Manufacturer), octet(m.cfg.Model)...)
		prodSpec := binary.BigEndian.AppendUint16(nil, 1)
		entry := append(u16(1), u16(0)...) // serial number, component 0
		entry = append(entry, octet(m.cfg.SerialNumber)...)
		prodSpec = binary.BigEndian.AppendUint16(prodSpec, uint16(len(entry)))
		prodSpec = append(prodSpec, entry...)
		attrs = accuchek.AttributeList{
			{ID: accuchek.AttrSystemID, Value: sysID},
			{ID: accuchek.AttrIDModel, Value: model},
			{ID: accuchek.AttrSystemType, Value: []byte{0x00, 0x80, 0x00, 0x00}},
			{ID: accuchek.AttrDevConfigID, Value: u16(ConfigReportID)},
			{ID: accuchek.AttrTimeAbs, Value: accuchek.EncodeAbsoluteTime(m.cfg.DeviceEpoch)},
			{ID: accuchek.AttrIDProdSpec, Value: prodSpec},
		}
	case StoreHandle:
		attrs = accuchek.AttributeList{
			{ID: accuchek.AttrNumSegments, Value: u16(uint16(len(m.cfg.Segments)))},
			{ID: accuchek.AttrStoreCapab, Value: u16(0x0400)},
		}
	default:
		return m.result(invokeID, accuchek.Roer, binary.BigEndian.AppendUint16(nil, 0x0007))
	}
	rsp := &accuchek.GetResponse{Handle: get.Handle, Attributes: attrs}
	return m.result(invokeID, accuchek.RorsGet, rsp.Encode())
}

func (m *Meter) answerAction(invokeID uint16, action *accuchek.ActionRequest) error {
	if action.Handle != StoreHandle || action.ActionType != accuchek.ActionTrigSegmentXfr || len(action.Argument) < 2 {
		return m.result(invokeID, accuchek.Roer, binary.BigEndian.AppendUint16(nil, 0x0009))
	}
	seg := binary.BigEndian.Uint16(action.Argument)
	if int(seg) >= len(m.cfg.Segments) {
		return m.result(invokeID, accuchek.Roer, binary.BigEndian.AppendUint16(nil, 0x0007))
	}

	result := binary.BigEndian.AppendUint16(nil, seg)
	result = binary.BigEndian.AppendUint16(result, 0) // transfer successful
	rsp := &accuchek.ActionResponse{Handle: StoreHandle, ActionType: accuchek.ActionTrigSegmentXfr, Result: result}
	if err := m.result(invokeID, accuchek.RorsConfirmedAction, rsp.Encode()); err != nil {
		return err
	}
	return m.streamSegment(seg)
}

// streamSegment sends the segment entries in confirmed chunks.
func (m *Meter) streamSegment(seg uint16) error {
	entries := m.cfg.Segments[seg]
	chunk := m.cfg.ChunkSize
	if chunk <= 0 {
		chunk = len(entries)
		if chunk == 0 {
			chunk = 1
		}
	}
	for start := 0; ; start += chunk {
		end := start + chunk
		if end > len(entries) {
			end = len(entries)
		}
		var data []byte
		for _, e := range entries[start:end] {
			data = append(data, accuchek.EncodeAbsoluteTime(e.Epoch)...)
			data = binary.BigEndian.AppendUint16(data, e.SFloat)
		}
		descr := accuchek.SegmentDataDescr{
			Instance:   seg,
			EntryIndex: uint32(start),
			EntryCount: uint32(end - start),
		}
		if start == 0 {
			descr.Status |= 0x8000
		}
		if end >= len(entries) {
			descr.Status |= 0x4000
		}
		info := descr.Encode()
		info = binary.BigEndian.AppendUint16(info, uint16(len(data)))
		info = append(info, data...)

		event := &accuchek.EventReport{
			Handle:    StoreHandle,
			EventType: accuchek.EventSegmentData,
			Info:      info,
		}
		if _, err := m.invoke(event); err != nil {
			return err
		}
		if end >= len(entries) {
			return nil
		}
	}
}

// invoke sends a confirmed event report and waits for its confirmation.
func (m *Meter) invoke(event *accuchek.EventReport) (*accuchek.EventResponse, error) {
	m.invokeID++
	id := m.invokeID
	if err := m.write(&accuchek.Apdu{
		Choice: accuchek.ChoicePrst,
		Data: &accuchek.DataApdu{
			InvokeID: id,
			Choice:   accuchek.RoivConfirmedEventReport,
			Payload:  event.Encode(),
		},
	}); err != nil {
		return nil, err
	}
	apdu, err := m.read()
	if err != nil {
		return nil, err
	}
	if apdu.Choice != accuchek.ChoicePrst || apdu.Data.InvokeID != id || apdu.Data.Choice != accuchek.RorsConfirmedEventReport {
		return nil, fmt.Errorf("meter: event 0x%04x not confirmed", event.EventType)
	}
	return accuchek.ParseEventResponse(apdu.Data.Payload)
}

func (m *Meter) result(invokeID, choice uint16, payload []byte) error {
	return m.write(&accuchek.Apdu{
		Choice: accuchek.ChoicePrst,
		Data:   &accuchek.DataApdu{InvokeID: invokeID, Choice: choice, Payload: payload},
	})
}

func (m *Meter) read() (*accuchek.Apdu, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(m.rw, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[2:]))
	frame := make([]byte, 4+length)
	copy(frame, header)
	if _, err := io.ReadFull(m.rw, frame[4:]); err != nil {
		return nil, err
	}
	m.logf("meter: ← % x", frame)
	return accuchek.ParseApdu(frame)
}

func (m *Meter) write(a *accuchek.Apdu) error {
	frame, err := accuchek.EncodeApdu(a)
	if err != nil {
		return err
	}
	m.logf("meter: → % x", frame)
	_, err = m.rw.Write(frame)
	return err
}
