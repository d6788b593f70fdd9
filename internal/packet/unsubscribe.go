package packet

import (
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/topic"
)

type Unsubscribe struct {
	PacketID     uint16
	TopicFilters []string
}

type UnsubscribeAck struct{ PacketID uint16 }

func (Unsubscribe) Type() mqtt.PacketType    { return mqtt.UNSUBSCRIBE }
func (UnsubscribeAck) Type() mqtt.PacketType { return mqtt.UNSUBACK }
func (Unsubscribe) sealed()                  {}
func (UnsubscribeAck) sealed()               {}

func decodeUnsubscribe(raw *mqtt.Packet) (Packet, error) {
	result := Unsubscribe{}
	var err error
	if result.PacketID, err = readPacketID(raw.Payload); err != nil {
		return nil, err
	}

	for raw.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketString(raw.Payload)
		if err != nil {
			return nil, malformed("error occurred when reading topic filter: %v", err)
		}
		if !topic.IsValidTopicFilter(topicFilter) {
			return nil, malformed("invalid topic filter %q", topicFilter)
		}
		result.TopicFilters = append(result.TopicFilters, topicFilter)
	}

	if len(result.TopicFilters) == 0 {
		return nil, malformed("UNSUBSCRIBE must contain at least one topic filter")
	}
	return result, nil
}

func (u Unsubscribe) encode() ([]byte, error) {
	if u.PacketID == 0 {
		return nil, invalid("UNSUBSCRIBE requires a non-zero packet identifier")
	}
	if len(u.TopicFilters) == 0 {
		return nil, invalid("UNSUBSCRIBE must contain at least one topic filter")
	}
	body := mqtt.EncodeUInt16(u.PacketID)
	var err error
	for _, topicFilter := range u.TopicFilters {
		if !topic.IsValidTopicFilter(topicFilter) {
			return nil, invalid("invalid topic filter %q", topicFilter)
		}
		if body, err = appendString(body, topicFilter); err != nil {
			return nil, err
		}
	}
	return body, nil
}
