package packet

import (
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
)

// SubscribeReturnCode SUBACK 中每个订阅的返回码
type SubscribeReturnCode byte

const (
	SuccessQoS0 SubscribeReturnCode = iota
	SuccessQoS1
	SuccessQoS2
	Failure SubscribeReturnCode = 0x80
)

// GrantedQoS converts an accepted QoS into its return code.
func GrantedQoS(qos mqtt.QoS) SubscribeReturnCode {
	return SubscribeReturnCode(qos)
}

func (c SubscribeReturnCode) valid() bool {
	return c <= SuccessQoS2 || c == Failure
}

// Subscription 订阅请求中的一项（主题过滤器 + 请求的最大QoS）
type Subscription struct {
	TopicFilter string
	QoS         mqtt.QoS
}

type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

type SubscribeAck struct {
	PacketID    uint16
	ReturnCodes []SubscribeReturnCode
}

func (Subscribe) Type() mqtt.PacketType    { return mqtt.SUBSCRIBE }
func (SubscribeAck) Type() mqtt.PacketType { return mqtt.SUBACK }
func (Subscribe) sealed()                  {}
func (SubscribeAck) sealed()               {}

func decodeSubscribe(raw *mqtt.Packet) (Packet, error) {
	result := Subscribe{}
	var err error
	if result.PacketID, err = readPacketID(raw.Payload); err != nil {
		return nil, err
	}

	for raw.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketString(raw.Payload)
		if err != nil {
			return nil, malformed("error occurred when reading topic filter: %v", err)
		}
		if topicFilter == "" {
			return nil, malformed("topic filter must not be empty")
		}
		qos, err := readPacketByte(raw.Payload)
		if err != nil {
			return nil, malformed("error occurred when reading qos level: %v", err)
		}
		if qos&0xFC != 0 || !mqtt.QoS(qos).Valid() {
			return nil, malformed("invalid requested QoS byte 0x%02x", qos)
		}
		result.Subscriptions = append(result.Subscriptions, Subscription{TopicFilter: topicFilter, QoS: mqtt.QoS(qos)})
	}

	if len(result.Subscriptions) == 0 {
		return nil, malformed("SUBSCRIBE must contain at least one topic filter")
	}
	return result, nil
}

func (s Subscribe) encode() ([]byte, error) {
	if s.PacketID == 0 {
		return nil, invalid("SUBSCRIBE requires a non-zero packet identifier")
	}
	if len(s.Subscriptions) == 0 {
		return nil, invalid("SUBSCRIBE must contain at least one topic filter")
	}
	body := mqtt.EncodeUInt16(s.PacketID)
	var err error
	for _, subscription := range s.Subscriptions {
		if subscription.TopicFilter == "" || !subscription.QoS.Valid() {
			return nil, invalid("invalid subscription %q qos %d", subscription.TopicFilter, subscription.QoS)
		}
		if body, err = appendString(body, subscription.TopicFilter); err != nil {
			return nil, err
		}
		body = append(body, byte(subscription.QoS))
	}
	return body, nil
}

func decodeSubscribeAck(raw *mqtt.Packet) (Packet, error) {
	result := SubscribeAck{}
	var err error
	if result.PacketID, err = readPacketID(raw.Payload); err != nil {
		return nil, err
	}
	for raw.Payload.CheckRemainingLength() {
		code, _ := readPacketByte(raw.Payload)
		if !SubscribeReturnCode(code).valid() {
			return nil, malformed("invalid subscribe return code 0x%02x", code)
		}
		result.ReturnCodes = append(result.ReturnCodes, SubscribeReturnCode(code))
	}
	if len(result.ReturnCodes) == 0 {
		return nil, malformed("SUBACK must contain at least one return code")
	}
	return result, nil
}

func (s SubscribeAck) encode() ([]byte, error) {
	if s.PacketID == 0 {
		return nil, invalid("SUBACK requires a non-zero packet identifier")
	}
	if len(s.ReturnCodes) == 0 {
		return nil, invalid("SUBACK must contain at least one return code")
	}
	body := mqtt.EncodeUInt16(s.PacketID)
	for _, code := range s.ReturnCodes {
		if !code.valid() {
			return nil, invalid("invalid subscribe return code 0x%02x", byte(code))
		}
		body = append(body, byte(code))
	}
	return body, nil
}
