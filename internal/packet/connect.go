package packet

// 控制包类型 CONNECT / CONNACK

import (
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
)

const (
	ProtocolName       = "MQTT"
	ProtocolLevel      = 0x04
	MaxClientIDLength  = 128
	connectFlagReserve = 0x01
)

// ConnectionStatus CONNACK 返回码
type ConnectionStatus byte

const (
	Accepted ConnectionStatus = iota
	UnacceptableProtocolVersion
	IdentifierRejected
	ServerUnavailable
	BadUserNameOrPassword
	NotAuthorized
)

func (s ConnectionStatus) String() string {
	switch s {
	case Accepted:
		return "Accepted"
	case UnacceptableProtocolVersion:
		return "UnacceptableProtocolVersion"
	case IdentifierRejected:
		return "IdentifierRejected"
	case ServerUnavailable:
		return "ServerUnavailable"
	case BadUserNameOrPassword:
		return "BadUserNameOrPassword"
	case NotAuthorized:
		return "NotAuthorized"
	}
	return "Unknown"
}

// Will 遗嘱消息
type Will struct {
	Topic   string
	Payload []byte
	QoS     mqtt.QoS
	Retain  bool
}

type Connect struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Will         *Will
	Username     *string
	Password     []byte
}

type ConnectAck struct {
	SessionPresent bool
	Status         ConnectionStatus
}

func (Connect) Type() mqtt.PacketType    { return mqtt.CONNECT }
func (ConnectAck) Type() mqtt.PacketType { return mqtt.CONNACK }
func (Connect) sealed()                  {}
func (ConnectAck) sealed()               {}

// IsValidClientID 允许字母、数字及 "-_.:"，长度不超过 MaxClientIDLength
func IsValidClientID(clientID string) bool {
	if len(clientID) > MaxClientIDLength {
		return false
	}
	for _, r := range clientID {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

func decodeConnect(raw *mqtt.Packet) (Packet, error) {
	payload := raw.Payload
	result := Connect{}

	protocolString, err := readPacketString(payload)
	if err != nil {
		return nil, malformed("unable to read protocol string: %v", err)
	}
	if protocolString != ProtocolName {
		return nil, malformed("incorrect protocol string: %s", protocolString)
	}

	// 协议版本
	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return nil, malformed("unable to read protocol version: %v", err)
	}
	if protocolVersion != ProtocolLevel {
		return nil, rejected(UnacceptableProtocolVersion, "protocol level %d is not supported", protocolVersion)
	}

	// 连接标志位
	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return nil, malformed("unable to read connect flags: %v", err)
	}
	if connectFlag&connectFlagReserve != 0 {
		return nil, malformed("reserved connect flag must be 0")
	}
	usernameFlag := connectFlag&0x80 != 0
	passwordFlag := connectFlag&0x40 != 0
	willRetain := connectFlag&0x20 != 0
	willQoS := mqtt.QoS((connectFlag & 0x18) >> 3)
	willFlag := connectFlag&0x04 != 0
	result.CleanSession = connectFlag&0x02 != 0

	if !willQoS.Valid() {
		return nil, malformed("will QoS must not be 3")
	}
	if !willFlag && (willRetain || willQoS != mqtt.AtMostOnce) {
		return nil, malformed("when will flag is not set, will retain must not be set and will QoS must be 0")
	}
	if passwordFlag && !usernameFlag {
		return nil, malformed("password flag set without username flag")
	}

	// Keep Alive Time
	if result.KeepAlive, err = readPacketUInt16(payload); err != nil {
		return nil, malformed("unable to read keep alive time: %v", err)
	}

	if result.ClientID, err = readPacketString(payload); err != nil {
		return nil, malformed("client ID: %v", err)
	}
	if result.ClientID == "" && !result.CleanSession {
		return nil, rejected(IdentifierRejected, "empty client ID requires a clean session")
	}
	if !IsValidClientID(result.ClientID) {
		return nil, rejected(IdentifierRejected, "client ID %q is not acceptable", result.ClientID)
	}

	if willFlag {
		will := &Will{QoS: willQoS, Retain: willRetain}
		if will.Topic, err = readPacketString(payload); err != nil {
			return nil, malformed("will topic: %v", err)
		}
		if !topic.IsValidTopicName(will.Topic) {
			return nil, malformed("will topic %q is not a valid topic name", will.Topic)
		}
		if will.Payload, err = readPacketBinary(payload); err != nil {
			return nil, malformed("will content: %v", err)
		}
		result.Will = will
	}

	if usernameFlag {
		username, err := readPacketString(payload)
		if err != nil {
			return nil, malformed("username: %v", err)
		}
		result.Username = &username
	}

	if passwordFlag {
		if result.Password, err = readPacketBinary(payload); err != nil {
			return nil, malformed("password: %v", err)
		}
	}

	return result, nil
}

func (c Connect) encode() ([]byte, error) {
	var flags byte
	if c.CleanSession {
		flags |= 0x02
	}
	if c.Will != nil {
		if !c.Will.QoS.Valid() {
			return nil, invalid("will QoS %d is not valid", c.Will.QoS)
		}
		if !topic.IsValidTopicName(c.Will.Topic) {
			return nil, invalid("will topic %q is not a valid topic name", c.Will.Topic)
		}
		flags |= 0x04 | byte(c.Will.QoS)<<3
		if c.Will.Retain {
			flags |= 0x20
		}
	}
	if c.Password != nil {
		if c.Username == nil {
			return nil, invalid("password requires a username")
		}
		flags |= 0x40
	}
	if c.Username != nil {
		flags |= 0x80
	}
	if c.ClientID == "" && !c.CleanSession {
		return nil, invalid("empty client ID requires a clean session")
	}

	body, err := appendString(nil, ProtocolName)
	if err != nil {
		return nil, err
	}
	body = append(body, ProtocolLevel, flags)
	body = append(body, mqtt.EncodeUInt16(c.KeepAlive)...)
	if body, err = appendString(body, c.ClientID); err != nil {
		return nil, err
	}
	if c.Will != nil {
		if body, err = appendString(body, c.Will.Topic); err != nil {
			return nil, err
		}
		if body, err = appendBinary(body, c.Will.Payload); err != nil {
			return nil, err
		}
	}
	if c.Username != nil {
		if body, err = appendString(body, *c.Username); err != nil {
			return nil, err
		}
	}
	if c.Password != nil {
		if body, err = appendBinary(body, c.Password); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func decodeConnectAck(raw *mqtt.Packet) (Packet, error) {
	acknowledge, err := readPacketByte(raw.Payload)
	if err != nil {
		return nil, err
	}
	if acknowledge&0xFE != 0 {
		return nil, malformed("reserved connect acknowledge flags must be 0")
	}
	status, err := readPacketByte(raw.Payload)
	if err != nil {
		return nil, err
	}
	if ConnectionStatus(status) > NotAuthorized {
		return nil, malformed("unknown connect return code %d", status)
	}
	return ConnectAck{SessionPresent: acknowledge == 1, Status: ConnectionStatus(status)}, nil
}

func (c ConnectAck) encode() ([]byte, error) {
	if c.Status > NotAuthorized {
		return nil, invalid("unknown connect return code %d", c.Status)
	}
	if c.SessionPresent && c.Status != Accepted {
		return nil, invalid("session present must be 0 when the connection is refused")
	}
	if c.SessionPresent {
		return []byte{0x01, byte(c.Status)}, nil
	}
	return []byte{0x00, byte(c.Status)}, nil
}
