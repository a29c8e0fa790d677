// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"encoding/binary"
	"fmt"
)

// Outer APDU choices. All integers on the wire are big-endian.
const (
	ChoiceAarq uint16 = 0xE200 // association request
	ChoiceAare uint16 = 0xE300 // association response
	ChoiceRlrq uint16 = 0xE400 // release request
	ChoiceRlre uint16 = 0xE500 // release response
	ChoiceAbrt uint16 = 0xE600 // abort
	ChoicePrst uint16 = 0xE700 // presentation, carries a DataApdu
)

// DataApdu choices (remote operation invoke/result).
const (
	RoivConfirmedEventReport uint16 = 0x0101
	RoivGet                  uint16 = 0x0103
	RoivConfirmedAction      uint16 = 0x0107
	RorsConfirmedEventReport uint16 = 0x0201
	RorsGet                  uint16 = 0x0203
	RorsConfirmedAction      uint16 = 0x0207
	Roer                     uint16 = 0x0501
	Rorj                     uint16 = 0x0601
)

// Release and abort reason codes.
const (
	ReleaseReasonNormal uint16 = 0x0000

	AbortReasonUndefined       uint16 = 0x0000
	AbortReasonBufferOverflow  uint16 = 0x0001
	AbortReasonResponseTimeout uint16 = 0x0002
	AbortReasonConfigTimeout   uint16 = 0x0003
)

// Apdu is the tagged union over the six outer choices. Exactly one body
// field is set, selected by Choice. Rlrq, Rlre and Abrt carry only a
// reason code.
type Apdu struct {
	Choice uint16

	Aarq   *AssociationRequest
	Aare   *AssociationResponse
	Reason uint16
	Data   *DataApdu
}

// DataApdu is the inner message carried by a PRST APDU:
//
//	Invoke ID       : 2 bytes
//	Choice          : 2 bytes
//	Length          : 2 bytes
//	Payload         : length bytes
//
// The payload stays opaque at this layer; the typed accessors below and
// the model in mds.go interpret it per choice.
type DataApdu struct {
	InvokeID uint16
	Choice   uint16
	Payload  []byte
}

// Invoked reports whether the message is an agent-initiated invoke
// (as opposed to a result, error or reject).
func (d *DataApdu) Invoked() bool {
	return d.Choice>>8 == 0x01
}

// AssociationRequest is the AARQ body:
//
//	Association version   : 4 bytes
//	Data protocol list    : count 2 bytes, length 2 bytes, one entry:
//	  Data protocol id    : 2 bytes (20601)
//	  Protocol info length: 2 bytes
//	  Protocol info       : see encodeProtocolInfo
type AssociationRequest struct {
	Version  uint32
	Protocol ProtocolInfo
}

// AssociationResponse is the AARE body:
//
//	Result                : 2 bytes
//	Data protocol id      : 2 bytes
//	Protocol info length  : 2 bytes
//	Protocol info         : see encodeProtocolInfo
type AssociationResponse struct {
	Result   uint16
	Protocol ProtocolInfo
}

// ProtocolInfo is the 20601 association information block exchanged in
// both directions:
//
//	Protocol version      : 4 bytes (bitfield, 0x80000000 = version 1)
//	Encoding rules        : 2 bytes (bitfield, 0x8000 = MDER)
//	Nomenclature version  : 4 bytes (bitfield)
//	Functional units      : 4 bytes
//	System type           : 4 bytes (0x80000000 manager, 0x00800000 agent)
//	System id             : 2-byte length + bytes (8 for meters)
//	Device config id      : 2 bytes
//	Data request mode     : 4 bytes (flags 2, agent count 1, manager count 1)
//	Option list           : count 2 bytes, length 2 bytes
type ProtocolInfo struct {
	ProtocolVersion     uint32
	EncodingRules       uint16
	NomenclatureVersion uint32
	FunctionalUnits     uint32
	SystemType          uint32
	SystemID            []byte
	DevConfigID         uint16
	DataReqModeFlags    uint16
	InitAgentCount      uint8
	InitManagerCount    uint8
}

const (
	dataProtoID20601 uint16 = 20601

	protocolVersion1 uint32 = 0x80000000
	encodingMDER     uint16 = 0x8000
	nomenclature1    uint32 = 0x80000000

	systemTypeManager uint32 = 0x80000000
	systemTypeAgent   uint32 = 0x00800000

	// dev-config-id advertised by the manager: extended configuration,
	// the agent describes itself with a config event report.
	extendedConfigID uint16 = 0x4000
)

// ManagerAssociationRequest builds the AARQ this host sends: 20601 over
// MDER, manager role, extended configuration, standard data request
// mode. systemID must be 8 bytes; a stable all-zero id is acceptable.
func ManagerAssociationRequest(systemID []byte) *Apdu {
	return &Apdu{
		Choice: ChoiceAarq,
		Aarq: &AssociationRequest{
			Version: protocolVersion1,
			Protocol: ProtocolInfo{
				ProtocolVersion:     protocolVersion1,
				EncodingRules:       encodingMDER,
				NomenclatureVersion: nomenclature1,
				SystemType:          systemTypeManager,
				SystemID:            systemID,
				DevConfigID:         extendedConfigID,
			},
		},
	}
}

// EncodeApdu serializes an APDU into one frame:
//
//	Choice          : 2 bytes
//	Length          : 2 bytes
//	Body            : length bytes
func EncodeApdu(a *Apdu) ([]byte, error) {
	var body []byte
	switch a.Choice {
	case ChoiceAarq:
		if a.Aarq == nil {
			return nil, fmt.Errorf("%w: AARQ without body", ErrMalformedFrame)
		}
		info := encodeProtocolInfo(&a.Aarq.Protocol)
		body = make([]byte, 0, 8+len(info)+4)
		body = appendUint32(body, a.Aarq.Version)
		body = appendUint16(body, 1)                   // data protocol list count
		body = appendUint16(body, uint16(4+len(info))) // data protocol list length
		body = appendUint16(body, dataProtoID20601)
		body = appendUint16(body, uint16(len(info)))
		body = append(body, info...)
	case ChoiceAare:
		if a.Aare == nil {
			return nil, fmt.Errorf("%w: AARE without body", ErrMalformedFrame)
		}
		info := encodeProtocolInfo(&a.Aare.Protocol)
		body = make([]byte, 0, 6+len(info))
		body = appendUint16(body, a.Aare.Result)
		body = appendUint16(body, dataProtoID20601)
		body = appendUint16(body, uint16(len(info)))
		body = append(body, info...)
	case ChoiceRlrq, ChoiceRlre, ChoiceAbrt:
		body = appendUint16(nil, a.Reason)
	case ChoicePrst:
		if a.Data == nil {
			return nil, fmt.Errorf("%w: PRST without data apdu", ErrMalformedFrame)
		}
		inner := make([]byte, 0, 6+len(a.Data.Payload))
		inner = appendUint16(inner, a.Data.InvokeID)
		inner = appendUint16(inner, a.Data.Choice)
		inner = appendUint16(inner, uint16(len(a.Data.Payload)))
		inner = append(inner, a.Data.Payload...)
		body = appendUint16(nil, uint16(len(inner)))
		body = append(body, inner...)
	default:
		return nil, fmt.Errorf("%w: unknown choice 0x%04x", ErrMalformedFrame, a.Choice)
	}

	frame := make([]byte, 0, apduHeaderSize+len(body))
	frame = appendUint16(frame, a.Choice)
	frame = appendUint16(frame, uint16(len(body)))
	return append(frame, body...), nil
}

// ParseApdu parses one frame into an APDU, verifying the outer length.
func ParseApdu(frame []byte) (*Apdu, error) {
	if len(frame) < apduHeaderSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedFrame, len(frame))
	}
	choice := binary.BigEndian.Uint16(frame)
	length := int(binary.BigEndian.Uint16(frame[2:]))
	if len(frame)-apduHeaderSize < length {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrTruncated, length, len(frame)-apduHeaderSize)
	}
	if len(frame)-apduHeaderSize > length {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrMalformedFrame, length, len(frame)-apduHeaderSize)
	}
	body := frame[apduHeaderSize:]

	a := &Apdu{Choice: choice}
	switch choice {
	case ChoiceAarq:
		req, err := parseAssociationRequest(body)
		if err != nil {
			return nil, err
		}
		a.Aarq = req
	case ChoiceAare:
		rsp, err := parseAssociationResponse(body)
		if err != nil {
			return nil, err
		}
		a.Aare = rsp
	case ChoiceRlrq, ChoiceRlre, ChoiceAbrt:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: reason code missing", ErrTruncated)
		}
		a.Reason = binary.BigEndian.Uint16(body)
	case ChoicePrst:
		data, err := parseDataApdu(body)
		if err != nil {
			return nil, err
		}
		a.Data = data
	default:
		return nil, fmt.Errorf("%w: unknown choice 0x%04x", ErrMalformedFrame, choice)
	}
	return a, nil
}

func parseDataApdu(body []byte) (*DataApdu, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: presentation length missing", ErrTruncated)
	}
	inner := int(binary.BigEndian.Uint16(body))
	body = body[2:]
	if len(body) < inner {
		return nil, fmt.Errorf("%w: presentation declared %d bytes, have %d", ErrTruncated, inner, len(body))
	}
	body = body[:inner]
	if len(body) < 6 {
		return nil, fmt.Errorf("%w: data apdu header", ErrTruncated)
	}
	d := &DataApdu{
		InvokeID: binary.BigEndian.Uint16(body),
		Choice:   binary.BigEndian.Uint16(body[2:]),
	}
	length := int(binary.BigEndian.Uint16(body[4:]))
	if len(body)-6 < length {
		return nil, fmt.Errorf("%w: data apdu declared %d bytes, have %d", ErrTruncated, length, len(body)-6)
	}
	switch d.Choice {
	case RoivConfirmedEventReport, RoivGet, RoivConfirmedAction,
		RorsConfirmedEventReport, RorsGet, RorsConfirmedAction,
		Roer, Rorj:
	default:
		return nil, fmt.Errorf("%w: unknown data apdu choice 0x%04x", ErrMalformedFrame, d.Choice)
	}
	d.Payload = body[6 : 6+length]
	return d, nil
}

func encodeProtocolInfo(p *ProtocolInfo) []byte {
	b := make([]byte, 0, 28+len(p.SystemID))
	b = appendUint32(b, p.ProtocolVersion)
	b = appendUint16(b, p.EncodingRules)
	b = appendUint32(b, p.NomenclatureVersion)
	b = appendUint32(b, p.FunctionalUnits)
	b = appendUint32(b, p.SystemType)
	b = appendUint16(b, uint16(len(p.SystemID)))
	b = append(b, p.SystemID...)
	b = appendUint16(b, p.DevConfigID)
	b = appendUint16(b, p.DataReqModeFlags)
	b = append(b, p.InitAgentCount, p.InitManagerCount)
	b = appendUint16(b, 0) // option list count
	b = appendUint16(b, 0) // option list length
	return b
}

func parseProtocolInfo(b []byte) (*ProtocolInfo, error) {
	p := &ProtocolInfo{}
	if len(b) < 20 {
		return nil, fmt.Errorf("%w: protocol info of %d bytes", ErrTruncated, len(b))
	}
	p.ProtocolVersion = binary.BigEndian.Uint32(b)
	p.EncodingRules = binary.BigEndian.Uint16(b[4:])
	p.NomenclatureVersion = binary.BigEndian.Uint32(b[6:])
	p.FunctionalUnits = binary.BigEndian.Uint32(b[10:])
	p.SystemType = binary.BigEndian.Uint32(b[14:])
	idLen := int(binary.BigEndian.Uint16(b[18:]))
	b = b[20:]
	if len(b) < idLen+6 {
		return nil, fmt.Errorf("%w: protocol info system id", ErrTruncated)
	}
	p.SystemID = append([]byte(nil), b[:idLen]...)
	b = b[idLen:]
	p.DevConfigID = binary.BigEndian.Uint16(b)
	p.DataReqModeFlags = binary.BigEndian.Uint16(b[2:])
	p.InitAgentCount = b[4]
	p.InitManagerCount = b[5]
	return p, nil
}

func parseAssociationRequest(body []byte) (*AssociationRequest, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: AARQ of %d bytes", ErrTruncated, len(body))
	}
	req := &AssociationRequest{Version: binary.BigEndian.Uint32(body)}
	count := int(binary.BigEndian.Uint16(body[4:]))
	body = body[8:]
	for i := 0; i < count; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: AARQ data protocol entry", ErrTruncated)
		}
		id := binary.BigEndian.Uint16(body)
		infoLen := int(binary.BigEndian.Uint16(body[2:]))
		if len(body)-4 < infoLen {
			return nil, fmt.Errorf("%w: AARQ protocol info", ErrTruncated)
		}
		if id == dataProtoID20601 {
			info, err := parseProtocolInfo(body[4 : 4+infoLen])
			if err != nil {
				return nil, err
			}
			req.Protocol = *info
			return req, nil
		}
		body = body[4+infoLen:]
	}
	return nil, fmt.Errorf("%w: AARQ without 20601 data protocol", ErrMalformedFrame)
}

func parseAssociationResponse(body []byte) (*AssociationResponse, error) {
	if len(body) < 6 {
		return nil, fmt.Errorf("%w: AARE of %d bytes", ErrTruncated, len(body))
	}
	rsp := &AssociationResponse{Result: binary.BigEndian.Uint16(body)}
	id := binary.BigEndian.Uint16(body[2:])
	infoLen := int(binary.BigEndian.Uint16(body[4:]))
	if id != dataProtoID20601 {
		return nil, fmt.Errorf("%w: AARE selected data protocol 0x%04x", ErrMalformedFrame, id)
	}
	if len(body)-6 < infoLen {
		return nil, fmt.Errorf("%w: AARE protocol info", ErrTruncated)
	}
	info, err := parseProtocolInfo(body[6 : 6+infoLen])
	if err != nil {
		return nil, err
	}
	rsp.Protocol = *info
	return rsp, nil
}

// EventReport is the payload of a confirmed event report invoke:
//
//	Object handle   : 2 bytes
//	Event time      : 4 bytes
//	Event type      : 2 bytes
//	Info length     : 2 bytes
//	Info            : length bytes
type EventReport struct {
	Handle    uint16
	EventTime uint32
	EventType uint16
	Info      []byte
}

// EventResponse is the payload of a confirmed event report result:
//
//	Object handle   : 2 bytes
//	Current time    : 4 bytes
//	Event type      : 2 bytes
//	Reply length    : 2 bytes
//	Reply           : length bytes
type EventResponse struct {
	Handle      uint16
	CurrentTime uint32
	EventType   uint16
	Reply       []byte
}

// GetRequest is the payload of a get invoke. An empty id list requests
// all attributes:
//
//	Object handle   : 2 bytes
//	Attribute ids   : count 2 bytes, length 2 bytes, count x 2 bytes
type GetRequest struct {
	Handle       uint16
	AttributeIDs []uint16
}

// GetResponse is the payload of a get result:
//
//	Object handle   : 2 bytes
//	Attribute list  : see AttributeList
type GetResponse struct {
	Handle     uint16
	Attributes AttributeList
}

// ActionRequest is the payload of a confirmed action invoke:
//
//	Object handle   : 2 bytes
//	Action type     : 2 bytes
//	Argument length : 2 bytes
//	Argument        : length bytes
type ActionRequest struct {
	Handle     uint16
	ActionType uint16
	Argument   []byte
}

// ActionResponse mirrors ActionRequest for the result direction.
type ActionResponse struct {
	Handle     uint16
	ActionType uint16
	Result     []byte
}

func (e *EventReport) Encode() []byte {
	b := make([]byte, 0, 10+len(e.Info))
	b = appendUint16(b, e.Handle)
	b = appendUint32(b, e.EventTime)
	b = appendUint16(b, e.EventType)
	b = appendUint16(b, uint16(len(e.Info)))
	return append(b, e.Info...)
}

// ParseEventReport parses a RoivConfirmedEventReport payload.
func ParseEventReport(payload []byte) (*EventReport, error) {
	if len(payload) < 10 {
		return nil, fmt.Errorf("%w: event report of %d bytes", ErrTruncated, len(payload))
	}
	e := &EventReport{
		Handle:    binary.BigEndian.Uint16(payload),
		EventTime: binary.BigEndian.Uint32(payload[2:]),
		EventType: binary.BigEndian.Uint16(payload[6:]),
	}
	length := int(binary.BigEndian.Uint16(payload[8:]))
	if len(payload)-10 < length {
		return nil, fmt.Errorf("%w: event report info", ErrTruncated)
	}
	e.Info = payload[10 : 10+length]
	return e, nil
}

func (e *EventResponse) Encode() []byte {
	b := make([]byte, 0, 10+len(e.Reply))
	b = appendUint16(b, e.Handle)
	b = appendUint32(b, e.CurrentTime)
	b = appendUint16(b, e.EventType)
	b = appendUint16(b, uint16(len(e.Reply)))
	return append(b, e.Reply...)
}

// ParseEventResponse parses a RorsConfirmedEventReport payload.
func ParseEventResponse(payload []byte) (*EventResponse, error) {
	if len(payload) < 10 {
		return nil, fmt.Errorf("%w: event response of %d bytes", ErrTruncated, len(payload))
	}
	e := &EventResponse{
		Handle:      binary.BigEndian.Uint16(payload),
		CurrentTime: binary.BigEndian.Uint32(payload[2:]),
		EventType:   binary.BigEndian.Uint16(payload[6:]),
	}
	length := int(binary.BigEndian.Uint16(payload[8:]))
	if len(payload)-10 < length {
		return nil, fmt.Errorf("%w: event response reply", ErrTruncated)
	}
	e.Reply = payload[10 : 10+length]
	return e, nil
}

func (g *GetRequest) Encode() []byte {
	b := make([]byte, 0, 6+2*len(g.AttributeIDs))
	b = appendUint16(b, g.Handle)
	b = appendUint16(b, uint16(len(g.AttributeIDs)))
	b = appendUint16(b, uint16(2*len(g.AttributeIDs)))
	for _, id := range g.AttributeIDs {
		b = appendUint16(b, id)
	}
	return b
}

// ParseGetRequest parses a RoivGet payload.
func ParseGetRequest(payload []byte) (*GetRequest, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("%w: get request of %d bytes", ErrTruncated, len(payload))
	}
	g := &GetRequest{Handle: binary.BigEndian.Uint16(payload)}
	count := int(binary.BigEndian.Uint16(payload[2:]))
	if len(payload)-6 < 2*count {
		return nil, fmt.Errorf("%w: get request id list", ErrTruncated)
	}
	for i := 0; i < count; i++ {
		g.AttributeIDs = append(g.AttributeIDs, binary.BigEndian.Uint16(payload[6+2*i:]))
	}
	return g, nil
}

func (g *GetResponse) Encode() []byte {
	b := appendUint16(nil, g.Handle)
	return append(b, g.Attributes.Encode()...)
}

// ParseGetResponse parses a RorsGet payload.
func ParseGetResponse(payload []byte) (*GetResponse, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: get response of %d bytes", ErrTruncated, len(payload))
	}
	attrs, _, err := parseAttributeList(payload[2:])
	if err != nil {
		return nil, err
	}
	return &GetResponse{
		Handle:     binary.BigEndian.Uint16(payload),
		Attributes: attrs,
	}, nil
}

func (a *ActionRequest) Encode() []byte {
	b := make([]byte, 0, 6+len(a.Argument))
	b = appendUint16(b, a.Handle)
	b = appendUint16(b, a.ActionType)
	b = appendUint16(b, uint16(len(a.Argument)))
	return append(b, a.Argument...)
}

// ParseActionRequest parses a RoivConfirmedAction payload.
func ParseActionRequest(payload []byte) (*ActionRequest, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("%w: action request of %d bytes", ErrTruncated, len(payload))
	}
	a := &ActionRequest{
		Handle:     binary.BigEndian.Uint16(payload),
		ActionType: binary.BigEndian.Uint16(payload[2:]),
	}
	length := int(binary.BigEndian.Uint16(payload[4:]))
	if len(payload)-6 < length {
		return nil, fmt.Errorf("%w: action request argument", ErrTruncated)
	}
	a.Argument = payload[6 : 6+length]
	return a, nil
}

func (a *ActionResponse) Encode() []byte {
	b := make([]byte, 0, 6+len(a.Result))
	b = appendUint16(b, a.Handle)
	b = appendUint16(b, a.ActionType)
	b = appendUint16(b, uint16(len(a.Result)))
	return append(b, a.Result...)
}

// ParseActionResponse parses a RorsConfirmedAction payload.
func ParseActionResponse(payload []byte) (*ActionResponse, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("%w: action response of %d bytes", ErrTruncated, len(payload))
	}
	a := &ActionResponse{
		Handle:     binary.BigEndian.Uint16(payload),
		ActionType: binary.BigEndian.Uint16(payload[2:]),
	}
	length := int(binary.BigEndian.Uint16(payload[4:]))
	if len(payload)-6 < length {
		return nil, fmt.Errorf("%w: action response result", ErrTruncated)
	}
	a.Result = payload[6 : 6+length]
	return a, nil
}

func appendUint16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}
