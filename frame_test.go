package ccluster

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestControlItemRoundTrip checks the length-prefixed, padded encoding of
// one control item decodes back to the same FuncCode/Body.
func TestControlItemRoundTrip(t *testing.T) {
	item := ControlItem{FuncCode: FuncSetChannelData, Body: []byte("hello")}
	buf := make([]byte, item.paddedLen())
	item.encode(binary.LittleEndian, buf)

	got, n, err := decodeControlItem(buf, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, item.paddedLen(), n)
	assert.Equal(t, item, got)
}

// TestControlItemPadding verifies paddedLen always rounds up to 8 bytes and
// that the padding bytes themselves are never interpreted as part of Body.
func TestControlItemPadding(t *testing.T) {
	item := ControlItem{FuncCode: FuncPing, Body: []byte{1, 2, 3}} // encodedLen 11, pads to 16
	assert.Equal(t, 16, item.paddedLen())
}

// TestMessageEncodeDecodeRoundTrip builds a message with one control item
// and two data payloads, encodes it, and checks DecodeMessage reproduces it
// exactly.
func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{
		Descriptors: []Descriptor{
			{Type: descData, Channel: 5, SequenceNumber: 1, Length: 3},
			{Type: descData, Channel: 5, SequenceNumber: 2, Length: 4},
		},
		Control: []ControlItem{
			{FuncCode: FuncSetChannelPin, Body: encodeDurationMillis(1500)},
		},
		Payloads: [][]byte{[]byte("abc"), []byte("wxyz")},
	}

	const seq = uint32(42)
	buf := msg.Encode(binary.LittleEndian, seq)

	got, err := DecodeMessage(buf, binary.LittleEndian, seq)
	require.NoError(t, err)
	assert.Equal(t, msg.Descriptors, got.Descriptors)
	assert.Equal(t, msg.Control, got.Control)
	require.Len(t, got.Payloads, 2)
	assert.Equal(t, []byte("abc"), got.Payloads[0])
	assert.Equal(t, []byte("wxyz"), got.Payloads[1])
}

// TestMessageEncodeVectorsMatchesEncode checks that the vectorised encoding
// produces the same bytes as the contiguous Encode, just split across more
// slices, so a vectorised writer and a plain conn.Write are interchangeable
// at the byte level.
func TestMessageEncodeVectorsMatchesEncode(t *testing.T) {
	msg := Message{
		Descriptors: []Descriptor{{Type: descData, Channel: 1, Length: 2}},
		Control:     []ControlItem{{FuncCode: FuncPing, Body: []byte{9}}},
		Payloads:    [][]byte{[]byte("hi")},
	}

	const seq = uint32(7)
	flat := msg.Encode(binary.LittleEndian, seq)

	vec := msg.EncodeVectors(binary.LittleEndian, seq)
	var rebuilt []byte
	for _, part := range vec {
		rebuilt = append(rebuilt, part...)
	}
	assert.Equal(t, flat, rebuilt)
}

// TestDecodeMessageDetectsCorruption checks that flipping a payload byte
// used to compute the control checksum is caught, since a corrupted control
// region would otherwise silently misdispatch.
func TestDecodeMessageDetectsCorruption(t *testing.T) {
	msg := Message{
		Control: []ControlItem{{FuncCode: FuncPing, Body: []byte{1, 2, 3, 4}}},
	}
	const seq = uint32(1)
	buf := msg.Encode(binary.LittleEndian, seq)

	// Flip a bit inside the control region (after the 16-byte header).
	buf[headerSize] ^= 0xff

	_, err := DecodeMessage(buf, binary.LittleEndian, seq)
	assert.ErrorIs(t, err, ErrWireCorruption)
}

// TestDecodeMessageWrongSequenceFails checks that replaying a previously
// valid frame under a different sequence number is rejected by count_check.
func TestDecodeMessageWrongSequenceFails(t *testing.T) {
	msg := Message{Descriptors: []Descriptor{{Type: descFree, Channel: 2, Length: 100}}}
	buf := msg.Encode(binary.LittleEndian, 5)

	_, err := DecodeMessage(buf, binary.LittleEndian, 6)
	assert.ErrorIs(t, err, ErrWireCorruption)
}

// TestIsSetData checks the set-data function code classification used to
// order control delivery ahead of DATA descriptors for the same VC.
func TestIsSetData(t *testing.T) {
	assert.True(t, isSetData(FuncSetChannelData))
	assert.True(t, isSetData(FuncSetChannelPin))
	assert.True(t, isSetData(FuncSetChannelPriority))
	assert.False(t, isSetData(FuncPing))
}
