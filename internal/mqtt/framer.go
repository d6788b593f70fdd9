package mqtt

import "iter"

// Framer 将传输层任意切分的字节流重新组装为完整的报文帧。
// Bytes that arrive after a frame closes stay in pending until the next call
// to Next, so several frames in one chunk are never lost.
type Framer struct {
	buffer  []byte // 当前正在组装的帧
	pending []byte // 已收到但尚未处理的字节

	headerSeen    bool
	lengthDecoded bool
	lengthBytes   int
	owed          int
}

func NewFramer() *Framer {
	return &Framer{}
}

// Push appends a transport chunk to the pending bytes.
func (f *Framer) Push(chunk []byte) {
	f.pending = append(f.pending, chunk...)
}

// Next returns the next complete frame, or nil when more bytes are needed.
// After an error the framer state is discarded.
func (f *Framer) Next() ([]byte, error) {
	for len(f.pending) > 0 {
		if f.lengthDecoded && f.owed > 0 {
			n := min(f.owed, len(f.pending))
			f.buffer = append(f.buffer, f.pending[:n]...)
			f.pending = f.pending[n:]
			f.owed -= n
			if f.owed == 0 {
				return f.closeFrame(), nil
			}
			continue
		}

		b := f.pending[0]
		f.pending = f.pending[1:]
		done, err := f.feed(b)
		if err != nil {
			f.reset()
			f.pending = nil
			return nil, err
		}
		if done {
			return f.closeFrame(), nil
		}
	}
	f.pending = nil
	return nil, nil
}

// Frames pushes chunk and yields every frame that became complete.
func (f *Framer) Frames(chunk []byte) iter.Seq2[[]byte, error] {
	f.Push(chunk)
	return func(yield func([]byte, error) bool) {
		for {
			frame, err := f.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if frame == nil || !yield(frame, nil) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes held that do not yet form a frame.
func (f *Framer) Buffered() int {
	return len(f.buffer) + len(f.pending)
}

func (f *Framer) feed(b byte) (bool, error) {
	f.buffer = append(f.buffer, b)
	switch {
	case !f.headerSeen:
		f.headerSeen = true
		return false, nil
	case !f.lengthDecoded:
		f.lengthBytes++
		if b&0x80 != 0 {
			if f.lengthBytes == maxLengthBytes {
				return false, ErrMalformedRemainingLength
			}
			return false, nil
		}
		length, _, err := DecodeRemainingLength(f.buffer[1:])
		if err != nil {
			return false, err
		}
		f.lengthDecoded = true
		f.owed = length
		// PINGREQ 等剩余长度为0的报文在长度字节后立即结束
		return f.owed == 0, nil
	default:
		f.owed--
		return f.owed == 0, nil
	}
}

func (f *Framer) closeFrame() []byte {
	frame := f.buffer
	f.reset()
	return frame
}

func (f *Framer) reset() {
	f.buffer = nil
	f.headerSeen = false
	f.lengthDecoded = false
	f.lengthBytes = 0
	f.owed = 0
}
