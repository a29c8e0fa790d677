// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"
)

// State is the association lifecycle position of a Session.
type State int

const (
	StateUnassociated State = iota
	StateAssociating
	StateOperating
	StateDisassociating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnassociated:
		return "unassociated"
	case StateAssociating:
		return "associating"
	case StateOperating:
		return "operating"
	case StateDisassociating:
		return "disassociating"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// builtinConfigs maps device configuration ids to configurations known
// ahead of time. Roche meters always describe themselves through the
// extended configuration event, so the table ships empty; a plain
// accepted result referencing an id not listed here is unusable.
var builtinConfigs = map[uint16]*ConfigReport{}

// Session drives one association with a meter over a Transporter, which
// it owns exclusively until Close. Sessions are single-threaded: one
// outstanding request at a time, all I/O synchronous, device events
// consumed in arrival order. The zero system id is a valid stable host
// identifier.
type Session struct {
	transporter Transporter

	// Logger receives session milestones when set.
	Logger *log.Logger
	// SystemID is the 8-byte host identifier sent in the AARQ.
	SystemID [8]byte

	state    State
	invokeID uint16

	config *ConfigReport
	stores []*PMStore
	mds    *MDS

	// Peer identity negotiated in the AARE.
	PeerSystemID    []byte
	ProtocolVersion uint32
	AssociatedAt    time.Time

	nextReading uint32
	collector   *segmentCollector
}

// segmentCollector accumulates the entry bytes streamed for one segment.
type segmentCollector struct {
	instance uint16
	data     []byte
	done     bool
}

// NewSession creates a session over the given transporter.
func NewSession(t Transporter) *Session {
	return &Session{transporter: t}
}

// State returns the current association state.
func (s *Session) State() State { return s.state }

// Config returns the configuration negotiated during Open, nil before.
func (s *Session) Config() *ConfigReport { return s.config }

// MDS returns the device attributes read during Open, nil before.
func (s *Session) MDS() *MDS { return s.mds }

func (s *Session) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

// Open associates with the meter: it sends the AARQ, resolves the
// configuration (normally via the config event report the meter emits
// after an accepted-unknown-config result) and reads the device
// attributes. On any failure the session is torn down and the error
// returned; a fresh Session on a fresh Transporter is needed to retry.
func (s *Session) Open(ctx context.Context) error {
	if s.state != StateUnassociated {
		return fmt.Errorf("%w: open in state %s", ErrUnexpectedApdu, s.state)
	}

	s.state = StateAssociating
	if err := s.send(ctx, ManagerAssociationRequest(s.SystemID[:])); err != nil {
		return s.teardown(ctx, err)
	}

	apdu, err := s.receive(ctx)
	if err != nil {
		return s.teardown(ctx, err)
	}
	if apdu.Choice != ChoiceAare {
		if apdu.Choice == ChoiceAbrt {
			s.state = StateTerminated
			return fmt.Errorf("%w: reason 0x%04x", ErrAborted, apdu.Reason)
		}
		return s.teardown(ctx, fmt.Errorf("%w: got 0x%04x, expected AARE", ErrUnexpectedApdu, apdu.Choice))
	}

	aare := apdu.Aare
	switch aare.Result {
	case ResultAccepted, ResultAcceptedUnknownConf:
	default:
		s.state = StateTerminated
		return &AssociationError{Result: aare.Result}
	}
	if aare.Protocol.ProtocolVersion&protocolVersion1 == 0 {
		return s.teardown(ctx, fmt.Errorf("%w: device advertises 0x%08x", ErrUnsupportedVersion, aare.Protocol.ProtocolVersion))
	}
	if aare.Result == ResultAccepted {
		cfg, ok := builtinConfigs[aare.Protocol.DevConfigID]
		if !ok {
			return s.teardown(ctx, fmt.Errorf("%w: device config 0x%04x accepted but not known", ErrUnexpectedConfig, aare.Protocol.DevConfigID))
		}
		s.config = cfg
	}

	s.PeerSystemID = aare.Protocol.SystemID
	s.ProtocolVersion = aare.Protocol.ProtocolVersion & protocolVersion1
	s.AssociatedAt = time.Now()
	s.logf("accuchek: associated, result 0x%04x, peer system id % x", aare.Result, s.PeerSystemID)

	for s.config == nil {
		if err := s.turn(ctx); err != nil {
			return s.teardown(ctx, err)
		}
	}
	stores, err := storesFromConfig(s.config)
	if err != nil {
		return s.teardown(ctx, err)
	}
	s.stores = stores
	s.state = StateOperating
	s.logf("accuchek: configuration 0x%04x resolved, %d store(s)", s.config.ReportID, len(s.stores))

	mds, err := s.getMDS(ctx)
	if err != nil {
		return s.teardown(ctx, err)
	}
	s.mds = mds
	s.logf("accuchek: device %q %q, serial % x", mds.Manufacturer, mds.Model, mds.SystemID)
	return nil
}

// Download walks every persistent measurement store, triggering a
// transfer per segment and emitting one Reading per stored entry, in
// store order, segment order, entry order. Emitted ids are 0, 1, 2, ...
// for the whole session. emit errors stop the walk and propagate.
func (s *Session) Download(ctx context.Context, emit func(Reading) error) error {
	if s.state != StateOperating {
		return fmt.Errorf("%w: download in state %s", ErrUnexpectedApdu, s.state)
	}
	for _, store := range s.stores {
		if err := s.downloadStore(ctx, store, emit); err != nil {
			return s.teardown(ctx, err)
		}
	}
	return nil
}

// Readings runs Download collecting into a slice.
func (s *Session) Readings(ctx context.Context) ([]Reading, error) {
	var readings []Reading
	err := s.Download(ctx, func(r Reading) error {
		readings = append(readings, r)
		return nil
	})
	return readings, err
}

func (s *Session) downloadStore(ctx context.Context, store *PMStore, emit func(Reading) error) error {
	attrs, err := s.get(ctx, store.Handle)
	if err != nil {
		return err
	}
	n, ok := attrs.Uint16(AttrNumSegments)
	if !ok {
		return fmt.Errorf("%w: segment count (0x%04x) on store %d", ErrAttributeMissing, AttrNumSegments, store.Handle)
	}
	store.NumSegments = n
	if v, ok := attrs.Uint16(AttrStoreCapab); ok {
		store.Capab = v
	}
	s.logf("accuchek: store %d holds %d segment(s)", store.Handle, n)

	for seg := uint16(0); seg < n; seg++ {
		data, err := s.transferSegment(ctx, store, seg)
		if err != nil {
			return err
		}
		samples, err := decodeEntries(data, store.EntryMap)
		if err != nil {
			return err
		}
		for _, sample := range samples {
			if !sample.ok {
				// Sentinel sample (NaN, infinity, NRes): no reading.
				continue
			}
			reading, err := deriveReading(s.nextReading, sample, store.Unit)
			if err != nil {
				return err
			}
			s.nextReading++
			if err := emit(reading); err != nil {
				return err
			}
		}
	}
	return nil
}

// transferSegment triggers the transfer for one segment and collects the
// streamed event chunks until the meter flags the last one.
func (s *Session) transferSegment(ctx context.Context, store *PMStore, seg uint16) ([]byte, error) {
	s.collector = &segmentCollector{instance: seg}
	defer func() { s.collector = nil }()

	req := &ActionRequest{
		Handle:     store.Handle,
		ActionType: ActionTrigSegmentXfr,
		Argument:   appendUint16(nil, seg),
	}
	rsp, err := s.transact(ctx, RoivConfirmedAction, req.Encode(), RorsConfirmedAction)
	if err != nil {
		return nil, err
	}
	action, err := ParseActionResponse(rsp.Payload)
	if err != nil {
		return nil, err
	}
	if len(action.Result) >= 4 {
		if code := binary.BigEndian.Uint16(action.Result[2:]); code != 0 {
			return nil, &RemoteError{InvokeID: rsp.InvokeID, Code: code}
		}
	}

	for !s.collector.done {
		if err := s.turn(ctx); err != nil {
			return nil, err
		}
	}
	return s.collector.data, nil
}

// Close releases the association: RLRQ, then RLRE. Device events that
// arrive first are confirmed as usual. If the release response does not
// arrive within the timeout the association is aborted instead; either
// way the session ends Terminated.
func (s *Session) Close(ctx context.Context) error {
	switch s.state {
	case StateUnassociated, StateTerminated:
		s.state = StateTerminated
		return nil
	}
	s.state = StateDisassociating
	if err := s.send(ctx, &Apdu{Choice: ChoiceRlrq, Reason: ReleaseReasonNormal}); err != nil {
		s.abort(ctx, AbortReasonUndefined)
		return nil
	}
	for {
		apdu, err := s.receive(ctx)
		if err != nil {
			s.abort(ctx, AbortReasonResponseTimeout)
			return nil
		}
		switch apdu.Choice {
		case ChoiceRlre:
			s.state = StateTerminated
			s.logf("accuchek: released")
			return nil
		case ChoiceAbrt:
			s.state = StateTerminated
			return nil
		case ChoicePrst:
			if apdu.Data.Invoked() {
				if err := s.handleInvoke(ctx, apdu.Data); err != nil {
					s.abort(ctx, AbortReasonUndefined)
					return nil
				}
				continue
			}
			// A stale response during release is dropped.
		default:
			s.abort(ctx, AbortReasonUndefined)
			return nil
		}
	}
}

// teardown attempts one orderly release after a fatal error and returns
// that error. It never masks err with a secondary failure, and it runs
// on its own deadline so a cancelled caller context still gets the
// release handshake.
func (s *Session) teardown(ctx context.Context, err error) error {
	if s.state == StateTerminated {
		return err
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	s.state = StateDisassociating
	if sendErr := s.send(releaseCtx, &Apdu{Choice: ChoiceRlrq, Reason: ReleaseReasonNormal}); sendErr == nil {
		if apdu, recvErr := s.receive(releaseCtx); recvErr != nil || apdu.Choice != ChoiceRlre {
			s.abort(releaseCtx, AbortReasonResponseTimeout)
		}
	}
	s.state = StateTerminated
	return err
}

// abort fires an ABRT and terminates; best effort, errors ignored.
func (s *Session) abort(ctx context.Context, reason uint16) {
	_ = s.send(ctx, &Apdu{Choice: ChoiceAbrt, Reason: reason})
	s.state = StateTerminated
}

// turn consumes one inbound APDU outside a pending request: only
// agent-initiated invokes and aborts are legal here.
func (s *Session) turn(ctx context.Context) error {
	apdu, err := s.receive(ctx)
	if err != nil {
		return err
	}
	switch apdu.Choice {
	case ChoicePrst:
		if !apdu.Data.Invoked() {
			return fmt.Errorf("%w: unsolicited response, invoke-id %d", ErrUnexpectedApdu, apdu.Data.InvokeID)
		}
		return s.handleInvoke(ctx, apdu.Data)
	case ChoiceAbrt:
		s.state = StateTerminated
		return fmt.Errorf("%w: reason 0x%04x", ErrAborted, apdu.Reason)
	default:
		return fmt.Errorf("%w: got 0x%04x, expected data apdu", ErrUnexpectedApdu, apdu.Choice)
	}
}

// transact sends one request and waits for its paired response. Device
// invokes arriving in between are processed first, in arrival order.
// At most one host request is outstanding; the meter does not multiplex.
func (s *Session) transact(ctx context.Context, choice uint16, payload []byte, want uint16) (*DataApdu, error) {
	id := s.nextInvokeID()
	req := &Apdu{Choice: ChoicePrst, Data: &DataApdu{InvokeID: id, Choice: choice, Payload: payload}}
	if err := s.send(ctx, req); err != nil {
		return nil, err
	}
	for {
		apdu, err := s.receive(ctx)
		if err != nil {
			return nil, err
		}
		switch apdu.Choice {
		case ChoiceAbrt:
			s.state = StateTerminated
			return nil, fmt.Errorf("%w: reason 0x%04x", ErrAborted, apdu.Reason)
		case ChoicePrst:
		default:
			return nil, fmt.Errorf("%w: got 0x%04x, expected data apdu", ErrUnexpectedApdu, apdu.Choice)
		}
		d := apdu.Data
		if d.Invoked() {
			if err := s.handleInvoke(ctx, d); err != nil {
				return nil, err
			}
			continue
		}
		if d.InvokeID != id {
			return nil, fmt.Errorf("%w: response invoke-id %d does not match request %d", ErrUnexpectedApdu, d.InvokeID, id)
		}
		switch d.Choice {
		case Roer, Rorj:
			code := uint16(0)
			if len(d.Payload) >= 2 {
				code = binary.BigEndian.Uint16(d.Payload)
			}
			return nil, &RemoteError{InvokeID: d.InvokeID, Code: code}
		case want:
			return d, nil
		default:
			return nil, fmt.Errorf("%w: got data apdu 0x%04x, expected 0x%04x", ErrUnexpectedApdu, d.Choice, want)
		}
	}
}

// handleInvoke confirms one agent-initiated invoke: the configuration
// event during association, segment data events during a transfer.
func (s *Session) handleInvoke(ctx context.Context, d *DataApdu) error {
	if d.Choice != RoivConfirmedEventReport {
		return fmt.Errorf("%w: agent invoke 0x%04x", ErrUnexpectedApdu, d.Choice)
	}
	event, err := ParseEventReport(d.Payload)
	if err != nil {
		return err
	}

	var reply []byte
	var failure error
	switch event.EventType {
	case EventConfig:
		cfg, err := ParseConfigReport(event.Info)
		if err != nil {
			return err
		}
		if s.config == nil {
			s.config = cfg
		}
		reply = appendUint16(appendUint16(nil, cfg.ReportID), configAccepted)
	case EventSegmentData:
		descr, entries, err := parseSegmentDataEvent(event.Info)
		if err != nil {
			return err
		}
		if s.collector != nil && descr.Instance == s.collector.instance {
			s.collector.data = append(s.collector.data, entries...)
			if descr.Last() {
				s.collector.done = true
			}
		} else {
			s.logf("accuchek: dropping segment data for instance %d", descr.Instance)
		}
		if descr.Status&segStatusAgentAbort != 0 {
			failure = fmt.Errorf("%w: segment transfer aborted by device", ErrUnexpectedApdu)
		}
		descr.Status |= segStatusManagerConfirm
		reply = descr.Encode()
	default:
		s.logf("accuchek: confirming unknown event 0x%04x", event.EventType)
	}

	rsp := &EventResponse{Handle: event.Handle, EventType: event.EventType, Reply: reply}
	confirm := &Apdu{Choice: ChoicePrst, Data: &DataApdu{
		InvokeID: d.InvokeID,
		Choice:   RorsConfirmedEventReport,
		Payload:  rsp.Encode(),
	}}
	if err := s.send(ctx, confirm); err != nil {
		return err
	}
	return failure
}

// get issues a get request for all attributes of the given handle.
func (s *Session) get(ctx context.Context, handle uint16) (AttributeList, error) {
	req := &GetRequest{Handle: handle}
	rsp, err := s.transact(ctx, RoivGet, req.Encode(), RorsGet)
	if err != nil {
		return nil, err
	}
	get, err := ParseGetResponse(rsp.Payload)
	if err != nil {
		return nil, err
	}
	if get.Handle != handle {
		return nil, fmt.Errorf("%w: get response for handle %d, requested %d", ErrUnexpectedApdu, get.Handle, handle)
	}
	return get.Attributes, nil
}

func (s *Session) getMDS(ctx context.Context) (*MDS, error) {
	attrs, err := s.get(ctx, 0)
	if err != nil {
		return nil, err
	}
	return parseMDS(attrs)
}

// nextInvokeID allocates the next host invoke-id: odd, monotonic, from 1.
func (s *Session) nextInvokeID() uint16 {
	s.invokeID += 2
	return s.invokeID - 1
}

func (s *Session) send(ctx context.Context, a *Apdu) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	frame, err := EncodeApdu(a)
	if err != nil {
		return err
	}
	return s.transporter.Send(ctx, frame)
}

func (s *Session) receive(ctx context.Context) (*Apdu, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	frame, err := s.transporter.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return ParseApdu(frame)
}
