package ccluster

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelloRoundTrip verifies a Hello encodes and decodes to the same
// values under both supported byte orders.
func TestHelloRoundTrip(t *testing.T) {
	h := Hello{
		NativeByteOrder: nativeByteOrderSentinel,
		Major:           1,
		Minor:           2,
		MinMajor:        1,
		MinMinor:        0,
		PeerID:          7,
		Port:            9000,
	}

	for _, bo := range []byteOrder{binary.LittleEndian, binary.BigEndian} {
		buf := h.Encode(bo)
		assert.Len(t, buf, helloSize)

		got, err := DecodeHello(buf, bo)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
}

// TestDetectHelloOrder checks that the sentinel is recognized regardless of
// which order the peer wrote it in, and rejected when neither order yields
// the sentinel value.
func TestDetectHelloOrder(t *testing.T) {
	h := Hello{NativeByteOrder: nativeByteOrderSentinel, Major: 1, MinMajor: 1}

	leBuf := h.Encode(binary.LittleEndian)
	bo, err := DetectHelloOrder(leBuf)
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian, bo)

	beBuf := h.Encode(binary.BigEndian)
	bo, err = DetectHelloOrder(beBuf)
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, bo)

	garbage := make([]byte, helloSize)
	garbage[0], garbage[1] = 0xff, 0xff
	_, err = DetectHelloOrder(garbage)
	assert.ErrorIs(t, err, ErrWireCorruption)
}

// TestNegotiateVersion covers the common-major selection and the
// no-compatible-version failure.
func TestNegotiateVersion(t *testing.T) {
	initiator := Hello{Major: 2, Minor: 3, MinMajor: 1, MinMinor: 0}
	acceptor := Hello{Major: 1, Minor: 5, MinMajor: 1, MinMinor: 0}

	major, minor, ok := NegotiateVersion(initiator, acceptor)
	require.True(t, ok)
	assert.Equal(t, uint16(1), major)
	assert.Equal(t, uint16(0), minor) // major != initiator.Major, so minor 0

	sameMajor := Hello{Major: 2, Minor: 5, MinMajor: 2, MinMinor: 0}
	major, minor, ok = NegotiateVersion(initiator, sameMajor)
	require.True(t, ok)
	assert.Equal(t, uint16(2), major)
	assert.Equal(t, uint16(3), minor) // major == initiator.Major, initiator's minor wins

	incompatible := Hello{Major: 1, Minor: 0, MinMajor: 1, MinMinor: 0}
	tooNew := Hello{Major: 5, Minor: 0, MinMajor: 3, MinMinor: 0}
	_, _, ok = NegotiateVersion(incompatible, tooNew)
	assert.False(t, ok)
}

// TestHeaderRoundTrip verifies the 16-byte header survives encode/decode.
func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Count:              3,
		DescriptorChecksum: 0x1234,
		ControlChecksum:    0x5678,
		Unused:             0,
		ControlBytes:       24,
		CountCheck:         0xdeadbeef,
	}
	buf := h.Encode(binary.LittleEndian)
	assert.Len(t, buf, headerSize)
	assert.Equal(t, h, DecodeHeader(buf, binary.LittleEndian))
}

// TestDescriptorBitPacking checks the type/channel bitfield packs and
// unpacks exactly, including the top of the 15-bit channel range.
func TestDescriptorBitPacking(t *testing.T) {
	d := Descriptor{Type: 1, Channel: 0x7fff, SequenceNumber: 42, Length: 65536}
	buf := d.Encode(binary.LittleEndian)
	assert.Len(t, buf, descriptorSize)
	got := DecodeDescriptor(buf, binary.LittleEndian)
	assert.Equal(t, d, got)
}

// TestChecksum16Wraps verifies the additive checksum wraps modulo 2^16
// rather than overflowing into a wider accumulator.
func TestChecksum16Wraps(t *testing.T) {
	b := make([]byte, 512)
	for i := range b {
		b[i] = 0xff
	}
	got := checksum16(b)
	want := uint16((512 * 0xff) % 65536)
	assert.Equal(t, want, got)
}

// TestComputeCountCheckSensitiveToSequence ensures the redundancy field
// changes when the pump's sequence counter changes, even for an identical
// header - this is what lets count_check catch a replayed/duplicated frame.
func TestComputeCountCheckSensitiveToSequence(t *testing.T) {
	h := Header{Count: 1, DescriptorChecksum: 2, ControlChecksum: 3, ControlBytes: 8}
	a := computeCountCheck(h, 0)
	b := computeCountCheck(h, 1)
	assert.NotEqual(t, a, b)
}

// TestAlignControl checks the 8-byte rounding used to pad control items.
func TestAlignControl(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 17: 24}
	for in, want := range cases {
		assert.Equal(t, want, alignControl(in), "alignControl(%d)", in)
	}
}
