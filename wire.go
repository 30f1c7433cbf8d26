package ccluster

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire-format sizes, all fixed per spec.
const (
	helloSize     = 128 // bytes
	headerSize    = 16  // count,descriptor_cksum,control_bytes_cksum,unused,control_bytes,count_check
	descriptorSize = 8  // type+channel packed into 16 bits, sequence 16 bits, length 32 bits
	controlAlign  = 8   // every small-control item is padded to 8 bytes
)

// nativeByteOrderSentinel is the sentinel carried in the hello message. A peer that
// reads this value mis-ordered (i.e. sees something other than 1) knows the
// whole link is byte-swapped relative to its own native order.
const nativeByteOrderSentinel uint16 = 1

// descriptor types (spec §3 Message).
const (
	descFree = 0
	descData = 1
)

// byteOrder abstracts encoding/binary.ByteOrder so a session can pick
// LittleEndian or BigEndian once, at hello time, and use it for every
// subsequent header/descriptor/typed-control decode without re-deciding.
// Opaque payload bytes are never touched by this — only known typed fields.
type byteOrder = binary.ByteOrder

// Hello is the first 128-byte message sent in each direction immediately
// after connect/accept. It fixes the byte order of the entire link and
// negotiates the cluster protocol version.
type Hello struct {
	NativeByteOrder uint16 // nativeByteOrderSentinel if written in sender's native order
	Major           uint16
	Minor           uint16
	MinMajor        uint16
	MinMinor        uint16
	PeerID          uint16
	Port            uint16 // optional, 0 if unused
}

// Encode writes h into a fixed 128-byte hello frame using order bo.
func (h Hello) Encode(bo byteOrder) []byte {
	buf := make([]byte, helloSize)
	bo.PutUint16(buf[0:2], h.NativeByteOrder)
	bo.PutUint16(buf[2:4], h.Major)
	bo.PutUint16(buf[4:6], h.Minor)
	bo.PutUint16(buf[6:8], h.MinMajor)
	bo.PutUint16(buf[8:10], h.MinMinor)
	bo.PutUint16(buf[10:12], h.PeerID)
	bo.PutUint16(buf[12:14], h.Port)
	// remaining bytes are padding, left zero
	return buf
}

// DecodeHello reads a 128-byte hello frame. The caller must first inspect
// buf[0:2] in both byte orders to decide which order the rest of the link
// uses: see DetectHelloOrder.
func DecodeHello(buf []byte, bo byteOrder) (Hello, error) {
	if len(buf) < helloSize {
		return Hello{}, errors.Errorf("hello frame too short: %d bytes", len(buf))
	}
	return Hello{
		NativeByteOrder: bo.Uint16(buf[0:2]),
		Major:           bo.Uint16(buf[2:4]),
		Minor:           bo.Uint16(buf[4:6]),
		MinMajor:        bo.Uint16(buf[6:8]),
		MinMinor:        bo.Uint16(buf[8:10]),
		PeerID:          bo.Uint16(buf[10:12]),
		Port:            bo.Uint16(buf[12:14]),
	}, nil
}

// DetectHelloOrder reads the sentinel field of a raw hello frame under both
// little- and big-endian interpretations and returns the byte order under
// which it reads as nativeByteOrderSentinel, or an error if neither does.
// The session then decodes every typed field with that order, so no separate
// swap flag is returned.
func DetectHelloOrder(buf []byte) (byteOrder, error) {
	if len(buf) < 2 {
		return nil, errors.New("hello frame too short to contain sentinel")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) == nativeByteOrderSentinel {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint16(buf[0:2]) == nativeByteOrderSentinel {
		return binary.BigEndian, nil
	}
	return nil, errors.Wrap(ErrWireCorruption, "hello sentinel unrecognized in either byte order")
}

// NegotiateVersion picks the highest major version both ends support that
// also lies within both ends' [min_major, major] range. Within the winning
// major, the initiator's minor is used if the chosen major equals the
// initiator's major, else minor 0. Returns ok=false if no common major
// exists, in which case the connection must be aborted.
func NegotiateVersion(initiator, acceptor Hello) (major, minor uint16, ok bool) {
	lowMajor := initiator.MinMajor
	if acceptor.MinMajor > lowMajor {
		lowMajor = acceptor.MinMajor
	}
	highMajor := initiator.Major
	if acceptor.Major < highMajor {
		highMajor = acceptor.Major
	}
	if highMajor < lowMajor {
		return 0, 0, false
	}
	major = highMajor
	if major == initiator.Major {
		minor = initiator.Minor
	} else {
		minor = 0
	}
	return major, minor, true
}

// Header is the fixed per-message header (spec §3 Message, §4.1).
type Header struct {
	Count              uint16
	DescriptorChecksum uint16
	ControlChecksum    uint16
	Unused             uint16
	ControlBytes       uint32
	CountCheck         uint32
}

// Encode writes h as the 16-byte wire header using order bo.
func (h Header) Encode(bo byteOrder) []byte {
	buf := make([]byte, headerSize)
	bo.PutUint16(buf[0:2], h.Count)
	bo.PutUint16(buf[2:4], h.DescriptorChecksum)
	bo.PutUint16(buf[4:6], h.ControlChecksum)
	bo.PutUint16(buf[6:8], h.Unused)
	bo.PutUint32(buf[8:12], h.ControlBytes)
	bo.PutUint32(buf[12:16], h.CountCheck)
	return buf
}

// DecodeHeader reads a 16-byte wire header using order bo.
func DecodeHeader(buf []byte, bo byteOrder) Header {
	return Header{
		Count:              bo.Uint16(buf[0:2]),
		DescriptorChecksum: bo.Uint16(buf[2:4]),
		ControlChecksum:    bo.Uint16(buf[4:6]),
		Unused:             bo.Uint16(buf[6:8]),
		ControlBytes:       bo.Uint32(buf[8:12]),
		CountCheck:         bo.Uint32(buf[12:16]),
	}
}

// countCheckMagic is the 0xBADBAD constant folded into the count_check
// redundancy formula.
const countCheckMagic uint32 = 0xBADBAD

// computeCountCheck reproduces the source's MAGIC_COUNT macro bit-exactly:
// a redundant XOR over header fields plus the pump's own sequence counter,
// used to catch header corruption that the additive checksums would miss.
func computeCountCheck(h Header, sequenceNumber uint32) uint32 {
	return countCheckMagic ^
		^uint32(h.Count) ^
		^uint32(h.DescriptorChecksum) ^
		^uint32(h.ControlChecksum) ^
		^uint32(h.Unused) ^
		^(h.ControlBytes << 16) ^
		sequenceNumber
}

// checksum16 computes the additive 16-bit checksum used for both the
// descriptor checksum and the inline-control checksum: a byte-wise sum,
// wrapping at 16 bits, with no carry propagation beyond that width.
func checksum16(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return sum
}

// Descriptor is one element of the descriptor vector at the head of a
// cluster message (spec §3 Message).
type Descriptor struct {
	Type           uint8 // descFree or descData
	Channel        uint16
	SequenceNumber uint16
	Length         uint32
}

// Encode writes d as the 8-byte wire descriptor using order bo. Type and
// Channel are bit-packed into one 16-bit field: bit 0 is type, bits 1-15
// are the channel id, matching the source's `uint32_t type:1; channel:15`
// bitfield layout.
func (d Descriptor) Encode(bo byteOrder) []byte {
	buf := make([]byte, descriptorSize)
	packed := uint16(d.Type&1) | (d.Channel&0x7fff)<<1
	bo.PutUint16(buf[0:2], packed)
	bo.PutUint16(buf[2:4], d.SequenceNumber)
	bo.PutUint32(buf[4:8], d.Length)
	return buf
}

// DecodeDescriptor reads an 8-byte wire descriptor using order bo.
func DecodeDescriptor(buf []byte, bo byteOrder) Descriptor {
	packed := bo.Uint16(buf[0:2])
	return Descriptor{
		Type:           uint8(packed & 1),
		Channel:        (packed >> 1) & 0x7fff,
		SequenceNumber: bo.Uint16(buf[2:4]),
		Length:         bo.Uint32(buf[4:8]),
	}
}

// alignControl rounds n up to the next 8-byte boundary, matching the
// source's DOUBLE_ALIGN macro used to pad small-control items.
func alignControl(n int) int {
	return (n + controlAlign - 1) &^ (controlAlign - 1)
}
