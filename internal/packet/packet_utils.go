package packet

import (
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
)

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, mqtt.ErrInsufficientBytes
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 || payload.CurrentPtr+length > payload.ContextLen {
		return nil, mqtt.ErrInsufficientBytes
	}
	data := make([]byte, length)
	copy(data, payload.Context[payload.CurrentPtr:payload.CurrentPtr+length])
	payload.CurrentPtr += length
	return data, nil
}

func readPacketUInt16(payload *mqtt.Payload) (uint16, error) {
	number, err := mqtt.DecodeUInt16(payload.Context[payload.CurrentPtr:])
	if err != nil {
		return 0, err
	}
	payload.CurrentPtr += 2
	return number, nil
}

// readPacketID 读取报文标识符，值必须非0
func readPacketID(payload *mqtt.Payload) (uint16, error) {
	id, err := readPacketUInt16(payload)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, malformed("packet identifier must not be 0")
	}
	return id, nil
}

func readPacketString(payload *mqtt.Payload) (string, error) {
	value, n, err := mqtt.DecodeString(payload.Context[payload.CurrentPtr:])
	if err != nil {
		return "", err
	}
	payload.CurrentPtr += n
	return value, nil
}

func readPacketBinary(payload *mqtt.Payload) ([]byte, error) {
	value, n, err := mqtt.DecodeBinary(payload.Context[payload.CurrentPtr:])
	if err != nil {
		return nil, err
	}
	payload.CurrentPtr += n
	return value, nil
}

func readPacketRest(payload *mqtt.Payload) []byte {
	data, _ := readPacketBytes(payload, payload.Remaining())
	return data
}

func appendString(buf []byte, s string) ([]byte, error) {
	encoded, err := mqtt.EncodeString(s)
	if err != nil {
		return nil, err
	}
	return append(buf, encoded...), nil
}

func appendBinary(buf []byte, data []byte) ([]byte, error) {
	encoded, err := mqtt.EncodeBinary(data)
	if err != nil {
		return nil, err
	}
	return append(buf, encoded...), nil
}
