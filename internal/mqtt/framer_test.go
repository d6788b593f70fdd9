package mqtt

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(t *testing.T, pt PacketType, flags byte, bodyLen int) []byte {
	t.Helper()
	body := make([]byte, bodyLen)
	for i := range body {
		body[i] = byte(i)
	}
	frame, err := BuildFrame(pt, flags, body)
	require.NoError(t, err)
	return frame
}

func collect(t *testing.T, f *Framer, chunk []byte) [][]byte {
	t.Helper()
	var frames [][]byte
	for frame, err := range f.Frames(chunk) {
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func TestFramerByteByByte(t *testing.T) {
	for _, size := range []int{0, 1, 127, 128, 16384, 70000} {
		frame := frameOf(t, PUBLISH, 0x00, size)
		f := NewFramer()
		var frames [][]byte
		for _, b := range frame {
			frames = append(frames, collect(t, f, []byte{b})...)
		}
		require.Len(t, frames, 1, "size %d", size)
		assert.True(t, bytes.Equal(frame, frames[0]))
		assert.Zero(t, f.Buffered())
	}
}

func TestFramerRandomSplits(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	frame := frameOf(t, PUBLISH, 0x02, 3000)

	for i := 0; i < 200; i++ {
		f := NewFramer()
		var frames [][]byte
		rest := frame
		for len(rest) > 0 {
			n := 1 + rng.IntN(len(rest))
			frames = append(frames, collect(t, f, rest[:n])...)
			rest = rest[n:]
		}
		require.Len(t, frames, 1)
		assert.Equal(t, frame, frames[0])
	}
}

func TestFramerManyFramesInOneChunk(t *testing.T) {
	ping := []byte{0xC0, 0x00}
	ack := []byte{0x40, 0x02, 0x00, 0x01}
	publish := frameOf(t, PUBLISH, 0x00, 300)

	var stream []byte
	stream = append(stream, ping...)
	stream = append(stream, publish...)
	stream = append(stream, ack...)
	stream = append(stream, ping...)
	stream = append(stream, publish[:10]...)

	f := NewFramer()
	frames := collect(t, f, stream)
	require.Len(t, frames, 4)
	assert.Equal(t, ping, frames[0])
	assert.Equal(t, publish, frames[1])
	assert.Equal(t, ack, frames[2])
	assert.Equal(t, ping, frames[3])
	assert.Equal(t, 10, f.Buffered())

	frames = collect(t, f, publish[10:])
	require.Len(t, frames, 1)
	assert.Equal(t, publish, frames[0])
}

func TestFramerStopEarlyKeepsPending(t *testing.T) {
	ping := []byte{0xC0, 0x00}
	stream := append(append([]byte{}, ping...), ping...)

	f := NewFramer()
	for frame, err := range f.Frames(stream) {
		require.NoError(t, err)
		assert.Equal(t, ping, frame)
		break
	}
	frame, err := f.Next()
	require.NoError(t, err)
	assert.Equal(t, ping, frame)
}

func TestFramerMalformedLength(t *testing.T) {
	f := NewFramer()
	f.Push([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	_, err := f.Next()
	assert.ErrorIs(t, err, ErrMalformedRemainingLength)
	assert.Zero(t, f.Buffered())
}
