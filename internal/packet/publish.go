package packet

import (
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
)

// Publish 发布报文，QoS > 0 时 PacketID 必须非0，QoS 0 时必须为0
type Publish struct {
	Topic     string
	QoS       mqtt.QoS
	Retain    bool
	Duplicate bool
	PacketID  uint16
	Payload   []byte
}

type PublishAck struct{ PacketID uint16 }

type PublishReceived struct{ PacketID uint16 }

type PublishRelease struct{ PacketID uint16 }

type PublishComplete struct{ PacketID uint16 }

func (Publish) Type() mqtt.PacketType         { return mqtt.PUBLISH }
func (PublishAck) Type() mqtt.PacketType      { return mqtt.PUBACK }
func (PublishReceived) Type() mqtt.PacketType { return mqtt.PUBREC }
func (PublishRelease) Type() mqtt.PacketType  { return mqtt.PUBREL }
func (PublishComplete) Type() mqtt.PacketType { return mqtt.PUBCOMP }
func (Publish) sealed()                       {}
func (PublishAck) sealed()                    {}
func (PublishReceived) sealed()               {}
func (PublishRelease) sealed()                {}
func (PublishComplete) sealed()               {}

// WithDuplicate returns a copy of p marked as a retransmission.
func (p Publish) WithDuplicate() Publish {
	p.Duplicate = p.QoS > mqtt.AtMostOnce
	return p
}

func (p Publish) flags() byte {
	var flags byte
	if p.Duplicate {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func (p Publish) validate() error {
	if !p.QoS.Valid() {
		return invalid("the QoS level must not be %d", p.QoS)
	}
	if p.QoS == mqtt.AtMostOnce && p.Duplicate {
		return invalid("when QoS level is 0, duplicate flag must be 0 either")
	}
	if p.QoS > mqtt.AtMostOnce && p.PacketID == 0 {
		return invalid("QoS %d publish requires a packet identifier", p.QoS)
	}
	if p.QoS == mqtt.AtMostOnce && p.PacketID != 0 {
		return invalid("QoS 0 publish must not carry a packet identifier")
	}
	if !topic.IsValidTopicName(p.Topic) {
		return invalid("topic %q is not a valid topic name", p.Topic)
	}
	return nil
}

func (p Publish) encode() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	body, err := appendString(nil, p.Topic)
	if err != nil {
		return nil, err
	}
	if p.QoS > mqtt.AtMostOnce {
		body = append(body, mqtt.EncodeUInt16(p.PacketID)...)
	}
	return append(body, p.Payload...), nil
}

func decodePublish(raw *mqtt.Packet) (Packet, error) {
	flags := raw.Header.Flags
	result := Publish{
		Duplicate: flags&0x08 != 0,
		QoS:       mqtt.QoS((flags & 0x06) >> 1),
		Retain:    flags&0x01 != 0,
	}

	if !result.QoS.Valid() {
		return nil, malformed("the QoS level must not be 3")
	}
	if result.QoS == mqtt.AtMostOnce && result.Duplicate {
		return nil, malformed("when QoS level is 0, duplicate flag must be 0 either")
	}

	var err error
	if result.Topic, err = readPacketString(raw.Payload); err != nil {
		return nil, malformed("error occurred when reading topic name: %v", err)
	}
	if !topic.IsValidTopicName(result.Topic) {
		return nil, malformed("topic %q is not a valid topic name", result.Topic)
	}

	if result.QoS > mqtt.AtMostOnce {
		if result.PacketID, err = readPacketID(raw.Payload); err != nil {
			return nil, err
		}
	}

	result.Payload = readPacketRest(raw.Payload)
	return result, nil
}
