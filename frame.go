package ccluster

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// Function codes for small-control items riding in a frame's inline control
// region (spec §6 "Cluster operation messages"). Reserved ranges exist so
// plugin-defined RPCs and user API callouts can register without colliding
// with intrinsic cluster-protocol codes; see Dispatcher in dispatch.go.
const (
	FuncLookup = iota + 1
	FuncLookupReply
	FuncCacheOp
	FuncCacheOpReply
	FuncCloseChannel
	FuncSetChannelData
	FuncSetChannelPin
	FuncSetChannelPriority
	FuncMachineList
	FuncPing
	FuncPingReply

	// FuncPluginBase is the first function code available to plugin-defined
	// RPCs and user API callouts. Codes below this are intrinsic and must
	// never be reassigned across releases (spec §6).
	FuncPluginBase = 256
)

// priorityClass selects one of the session's outgoing queues. Control
// messages are prioritized over bulk data, matching the teacher's
// CLASSID/CLSCTRL/CLSDATA split used by its write shaper.
type priorityClass int

const (
	classControl priorityClass = iota // prioritized control signal
	classData
)

// encodeDurationMillis packs a duration as a little-endian uint64 of
// milliseconds, the wire shape used by set-channel-pin control bodies.
func encodeDurationMillis(d time.Duration) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(d/time.Millisecond))
	return buf
}

// setDataFuncCodes identifies the "set-data" class of control messages: they
// must be delivered and applied before any DATA descriptor for the same VC
// from the same write side (spec §4.4, §5 ordering guarantees).
var setDataFuncCodes = map[uint32]bool{
	FuncSetChannelData:     true,
	FuncSetChannelPin:      true,
	FuncSetChannelPriority: true,
}

// isSetData reports whether funcCode belongs to the set-data class.
func isSetData(funcCode uint32) bool {
	return setDataFuncCodes[funcCode]
}

// ControlItem is one small inline control message: a length-prefixed,
// function-coded body, padded to an 8-byte boundary (spec §4.1).
type ControlItem struct {
	FuncCode uint32
	Body     []byte
}

// encodedLen is the unpadded wire length of the item: length word (4) +
// func code word (4) + body.
func (c ControlItem) encodedLen() int {
	return 8 + len(c.Body)
}

// paddedLen is encodedLen rounded up to the next 8-byte boundary.
func (c ControlItem) paddedLen() int {
	return alignControl(c.encodedLen())
}

func (c ControlItem) encode(bo byteOrder, dst []byte) {
	bo.PutUint32(dst[0:4], uint32(len(c.Body)))
	bo.PutUint32(dst[4:8], c.FuncCode)
	copy(dst[8:8+len(c.Body)], c.Body)
}

func decodeControlItem(buf []byte, bo byteOrder) (ControlItem, int, error) {
	if len(buf) < 8 {
		return ControlItem{}, 0, errors.Wrap(ErrWireCorruption, "truncated control item header")
	}
	bodyLen := bo.Uint32(buf[0:4])
	funcCode := bo.Uint32(buf[4:8])
	total := 8 + int(bodyLen)
	if total > len(buf) {
		return ControlItem{}, 0, errors.Wrap(ErrWireCorruption, "control item body overruns frame")
	}
	body := make([]byte, bodyLen)
	copy(body, buf[8:total])
	item := ControlItem{FuncCode: funcCode, Body: body}
	return item, alignControl(total), nil
}

// Message is a full cluster frame: header, descriptor vector, inline
// control region, and trailing per-DATA-descriptor payloads in order
// (spec §3 Message).
type Message struct {
	Descriptors []Descriptor
	Control     []ControlItem
	// Payloads holds one entry per descriptor in Descriptors that has
	// Type == descData, in the same relative order.
	Payloads [][]byte
}

// controlBytesLen is the total padded size of the inline control region.
func (m Message) controlBytesLen() int {
	n := 0
	for _, c := range m.Control {
		n += c.paddedLen()
	}
	return n
}

// Encode serializes m into a single byte slice: header + descriptors +
// inline control + payloads, computing both checksums and the count_check
// redundancy field. sequenceNumber is the sending pump's own per-direction
// counter, folded into count_check per computeCountCheck.
func (m Message) Encode(bo byteOrder, sequenceNumber uint32) []byte {
	descBytes := len(m.Descriptors) * descriptorSize
	controlBytes := m.controlBytesLen()

	payloadBytes := 0
	for _, p := range m.Payloads {
		payloadBytes += len(p)
	}

	total := headerSize + descBytes + controlBytes + payloadBytes
	buf := make([]byte, total)

	off := headerSize
	for _, d := range m.Descriptors {
		copy(buf[off:off+descriptorSize], d.Encode(bo))
		off += descriptorSize
	}

	descEnd := off
	for _, c := range m.Control {
		item := make([]byte, c.paddedLen())
		c.encode(bo, item)
		copy(buf[off:], item)
		off += c.paddedLen()
	}
	controlEnd := off

	for _, p := range m.Payloads {
		copy(buf[off:off+len(p)], p)
		off += len(p)
	}

	h := Header{
		Count:              uint16(len(m.Descriptors)),
		DescriptorChecksum: checksum16(buf[headerSize:descEnd]),
		ControlChecksum:    checksum16(buf[descEnd:controlEnd]),
		Unused:             0,
		ControlBytes:       uint32(controlBytes),
	}
	h.CountCheck = computeCountCheck(h, sequenceNumber)
	copy(buf[0:headerSize], h.Encode(bo))
	return buf
}

// EncodeVectors serializes m the same way as Encode but keeps the trailing
// DATA payloads as separate slices instead of copying them into the head
// buffer, so a scatter-gather writer can ship them without an extra copy.
// The returned slice always has the head region (header + descriptors +
// inline control) as element 0, followed by one element per payload.
func (m Message) EncodeVectors(bo byteOrder, sequenceNumber uint32) [][]byte {
	descBytes := len(m.Descriptors) * descriptorSize
	controlBytes := m.controlBytesLen()
	head := make([]byte, headerSize+descBytes+controlBytes)

	off := headerSize
	for _, d := range m.Descriptors {
		copy(head[off:off+descriptorSize], d.Encode(bo))
		off += descriptorSize
	}
	descEnd := off

	for _, c := range m.Control {
		item := make([]byte, c.paddedLen())
		c.encode(bo, item)
		copy(head[off:], item)
		off += c.paddedLen()
	}
	controlEnd := off

	h := Header{
		Count:              uint16(len(m.Descriptors)),
		DescriptorChecksum: checksum16(head[headerSize:descEnd]),
		ControlChecksum:    checksum16(head[descEnd:controlEnd]),
		Unused:             0,
		ControlBytes:       uint32(controlBytes),
	}
	h.CountCheck = computeCountCheck(h, sequenceNumber)
	copy(head[0:headerSize], h.Encode(bo))

	vec := make([][]byte, 0, 1+len(m.Payloads))
	vec = append(vec, head)
	vec = append(vec, m.Payloads...)
	return vec
}

// DecodeMessage parses a full frame previously produced by Encode. It
// validates descriptor checksum, control checksum, and count_check before
// returning, per spec §4.1/§8 property 6; any mismatch is ErrWireCorruption
// and is fatal for the owning session.
func DecodeMessage(buf []byte, bo byteOrder, sequenceNumber uint32) (Message, error) {
	if len(buf) < headerSize {
		return Message{}, errors.Wrap(ErrWireCorruption, "frame shorter than header")
	}
	h := DecodeHeader(buf[0:headerSize], bo)

	descBytes := int(h.Count) * descriptorSize
	needed := headerSize + descBytes + int(h.ControlBytes)
	if needed > len(buf) {
		return Message{}, errors.Wrap(ErrWireCorruption, "frame shorter than declared descriptor+control region")
	}

	descRegion := buf[headerSize : headerSize+descBytes]
	controlRegion := buf[headerSize+descBytes : needed]

	if checksum16(descRegion) != h.DescriptorChecksum {
		return Message{}, errors.Wrap(ErrWireCorruption, "descriptor checksum mismatch")
	}
	if checksum16(controlRegion) != h.ControlChecksum {
		return Message{}, errors.Wrap(ErrWireCorruption, "control checksum mismatch")
	}
	if computeCountCheck(h, sequenceNumber) != h.CountCheck {
		return Message{}, errors.Wrap(ErrWireCorruption, "count_check mismatch")
	}

	descriptors := make([]Descriptor, h.Count)
	for i := 0; i < int(h.Count); i++ {
		descriptors[i] = DecodeDescriptor(descRegion[i*descriptorSize:(i+1)*descriptorSize], bo)
	}

	var controls []ControlItem
	off := 0
	for off < len(controlRegion) {
		item, n, err := decodeControlItem(controlRegion[off:], bo)
		if err != nil {
			return Message{}, err
		}
		controls = append(controls, item)
		off += n
	}

	payloads := make([][]byte, 0, len(descriptors))
	off = needed
	for _, d := range descriptors {
		if d.Type != descData {
			continue
		}
		end := off + int(d.Length)
		if end > len(buf) {
			return Message{}, errors.Wrap(ErrWireCorruption, "payload overruns frame")
		}
		payloads = append(payloads, buf[off:end])
		off = end
	}

	return Message{Descriptors: descriptors, Control: controls, Payloads: payloads}, nil
}
