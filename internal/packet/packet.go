// Package packet 定义MQTT 3.1.1全部控制报文的强类型表示，以及报文与字节帧之间的编解码
package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
)

// Packet is the closed set of MQTT control packets. Values are immutable once
// constructed; every variant lives in this package.
type Packet interface {
	Type() mqtt.PacketType
	sealed()
}

var ErrInvalidPacket = errors.New("invalid packet")

// ConnectRejectedError carries the CONNACK status that must be sent to the
// peer before the connection is closed.
type ConnectRejectedError struct {
	Code   ConnectionStatus
	Reason string
}

func (e *ConnectRejectedError) Error() string {
	return fmt.Sprintf("connection rejected (%s): %s", e.Code, e.Reason)
}

func rejected(code ConnectionStatus, format string, v ...any) error {
	return &ConnectRejectedError{Code: code, Reason: fmt.Sprintf(format, v...)}
}

func malformed(format string, v ...any) error {
	return fmt.Errorf("%w: %s", mqtt.ErrMalformedPacket, fmt.Sprintf(format, v...))
}

func invalid(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPacket, fmt.Sprintf(format, v...))
}

// Decode 解析一个完整的报文帧
func Decode(frame []byte) (Packet, error) {
	raw, err := mqtt.ParsePacket(frame)
	if err != nil {
		return nil, err
	}

	var result Packet
	switch raw.Header.Type {
	case mqtt.CONNECT:
		result, err = decodeConnect(raw)
	case mqtt.CONNACK:
		result, err = decodeConnectAck(raw)
	case mqtt.PUBLISH:
		result, err = decodePublish(raw)
	case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP, mqtt.UNSUBACK:
		result, err = decodeIdentifierOnly(raw)
	case mqtt.SUBSCRIBE:
		result, err = decodeSubscribe(raw)
	case mqtt.SUBACK:
		result, err = decodeSubscribeAck(raw)
	case mqtt.UNSUBSCRIBE:
		result, err = decodeUnsubscribe(raw)
	case mqtt.PINGREQ, mqtt.PINGRESP, mqtt.DISCONNECT:
		result, err = decodeEmpty(raw)
	default:
		return nil, malformed("unsupported packet type %s", raw.Header.Type)
	}
	if err != nil {
		return nil, err
	}
	if raw.Payload.CheckRemainingLength() {
		return nil, malformed("%d trailing bytes in %s packet", raw.Payload.Remaining(), raw.Header.Type)
	}
	return result, nil
}

// Encode 将报文编码为字节帧，语义不合法的报文在编码前被拒绝
func Encode(p Packet) ([]byte, error) {
	var (
		body  []byte
		flags = mqtt.RequiredFlags(p.Type())
		err   error
	)
	switch v := p.(type) {
	case Connect:
		body, err = v.encode()
	case ConnectAck:
		body, err = v.encode()
	case Publish:
		flags = v.flags()
		body, err = v.encode()
	case PublishAck:
		body, err = encodeIdentifier(v.Type(), v.PacketID)
	case PublishReceived:
		body, err = encodeIdentifier(v.Type(), v.PacketID)
	case PublishRelease:
		body, err = encodeIdentifier(v.Type(), v.PacketID)
	case PublishComplete:
		body, err = encodeIdentifier(v.Type(), v.PacketID)
	case Subscribe:
		body, err = v.encode()
	case SubscribeAck:
		body, err = v.encode()
	case Unsubscribe:
		body, err = v.encode()
	case UnsubscribeAck:
		body, err = encodeIdentifier(v.Type(), v.PacketID)
	case PingRequest, PingResponse, Disconnect:
	default:
		return nil, invalid("unsupported packet %T", p)
	}
	if err != nil {
		return nil, err
	}
	return mqtt.BuildFrame(p.Type(), flags, body)
}

// Identifier returns the packet identifier carried by p, if any.
func Identifier(p Packet) (uint16, bool) {
	switch v := p.(type) {
	case Publish:
		return v.PacketID, v.QoS > mqtt.AtMostOnce
	case PublishAck:
		return v.PacketID, true
	case PublishReceived:
		return v.PacketID, true
	case PublishRelease:
		return v.PacketID, true
	case PublishComplete:
		return v.PacketID, true
	case Subscribe:
		return v.PacketID, true
	case SubscribeAck:
		return v.PacketID, true
	case Unsubscribe:
		return v.PacketID, true
	case UnsubscribeAck:
		return v.PacketID, true
	}
	return 0, false
}

func decodeIdentifierOnly(raw *mqtt.Packet) (Packet, error) {
	id, err := readPacketID(raw.Payload)
	if err != nil {
		return nil, err
	}
	switch raw.Header.Type {
	case mqtt.PUBACK:
		return PublishAck{PacketID: id}, nil
	case mqtt.PUBREC:
		return PublishReceived{PacketID: id}, nil
	case mqtt.PUBREL:
		return PublishRelease{PacketID: id}, nil
	case mqtt.PUBCOMP:
		return PublishComplete{PacketID: id}, nil
	default:
		return UnsubscribeAck{PacketID: id}, nil
	}
}

func encodeIdentifier(pt mqtt.PacketType, id uint16) ([]byte, error) {
	if id == 0 {
		return nil, invalid("%s requires a non-zero packet identifier", pt)
	}
	return mqtt.EncodeUInt16(id), nil
}
