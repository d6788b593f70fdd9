package mqtt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	MaxStringLength    = 65535
	MaxRemainingLength = 268435455
	maxLengthBytes     = 4
)

var (
	ErrMalformedPacket          = errors.New("malformed packet")
	ErrMalformedRemainingLength = fmt.Errorf("%w: the remaining length exceeds the 4 byte limit", ErrMalformedPacket)
	ErrInsufficientBytes        = fmt.Errorf("%w: insufficient bytes", ErrMalformedPacket)
	ErrInvalidUTF8              = fmt.Errorf("%w: invalid UTF-8 string", ErrMalformedPacket)
	ErrStringTooLong            = errors.New("string exceeds 65535 bytes")
	ErrRemainingLengthTooLarge  = errors.New("remaining length exceeds 268435455")
)

// EncodeString 编码为2字节大端长度前缀 + UTF-8 内容
func EncodeString(s string) ([]byte, error) {
	return EncodeBinary([]byte(s))
}

// EncodeBinary encodes raw bytes with the same 2-byte length prefix as strings.
func EncodeBinary(data []byte) ([]byte, error) {
	if len(data) > MaxStringLength {
		return nil, ErrStringTooLong
	}
	result := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(result, uint16(len(data)))
	return append(result, data...), nil
}

// DecodeString decodes a length-prefixed UTF-8 string from the start of b and
// returns it with the number of bytes consumed.
func DecodeString(b []byte) (string, int, error) {
	data, n, err := DecodeBinary(b)
	if err != nil {
		return "", n, err
	}
	if !utf8.Valid(data) {
		return "", n, ErrInvalidUTF8
	}
	return string(data), n, nil
}

// DecodeBinary decodes length-prefixed bytes from the start of b.
func DecodeBinary(b []byte) ([]byte, int, error) {
	length, err := DecodeUInt16(b)
	if err != nil {
		return nil, 0, err
	}
	end := 2 + int(length)
	if end > len(b) {
		return nil, 0, fmt.Errorf("%w: payload length %d exceeds buffer (len=%d)", ErrInsufficientBytes, length, len(b)-2)
	}
	data := make([]byte, length)
	copy(data, b[2:end])
	return data, end, nil
}

// EncodeUInt16 大端序编码
func EncodeUInt16(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

// DecodeUInt16 大端序解码
func DecodeUInt16(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, ErrInsufficientBytes
	}
	return binary.BigEndian.Uint16(b), nil
}

// EncodeRemainingLength 编码剩余长度，每字节低7位为数据，最高位为延续位
func EncodeRemainingLength(x int) ([]byte, error) {
	if x < 0 || x > MaxRemainingLength {
		return nil, ErrRemainingLengthTooLarge
	}
	buf := make([]byte, 0, maxLengthBytes)
	for {
		encodedByte := byte(x % 128)
		x /= 128
		if x > 0 {
			encodedByte |= 128
		}
		buf = append(buf, encodedByte)
		if x == 0 {
			return buf, nil
		}
	}
}

// DecodeRemainingLength decodes the varint at the start of b, returning the
// value and the number of bytes it occupied.
func DecodeRemainingLength(b []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < maxLengthBytes; i++ { // 最多读取4字节
		if i >= len(b) {
			return 0, 0, ErrInsufficientBytes
		}
		encodedByte := b[i]
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if encodedByte&128 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrMalformedRemainingLength
}

// ReadRemainingLength decodes the varint from a byte stream.
func ReadRemainingLength(r io.ByteReader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < maxLengthBytes; i++ {
		encodedByte, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if encodedByte&128 == 0 {
			return value, nil
		}
	}
	return 0, ErrMalformedRemainingLength
}

// ParsePacket splits a complete frame into its fixed header and body.
func ParsePacket(frame []byte) (*Packet, error) {
	if len(frame) < 2 {
		return nil, ErrInsufficientBytes
	}
	remaining, n, err := DecodeRemainingLength(frame[1:])
	if err != nil {
		return nil, err
	}
	body := frame[1+n:]
	if len(body) != remaining {
		return nil, fmt.Errorf("%w: remaining length %d does not match body length %d", ErrMalformedPacket, remaining, len(body))
	}

	header := &FixedHeader{
		Type:            PacketType(frame[0] >> 4),
		Flags:           frame[0] & 0x0F,
		RemainingLength: remaining,
	}
	if !header.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, byte(header.Type))
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, fmt.Errorf("%w: flags %d of %s packet is not valid", ErrMalformedPacket, header.Flags, header.Type.String())
	}

	return &Packet{Header: header, Payload: NewPayload(body)}, nil
}

// BuildFrame assembles fixed header and body into wire bytes.
func BuildFrame(pt PacketType, flags byte, body []byte) ([]byte, error) {
	length, err := EncodeRemainingLength(len(body))
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, 1+len(length)+len(body))
	frame = append(frame, byte(pt)<<4|flags&0x0F)
	frame = append(frame, length...)
	return append(frame, body...), nil
}
