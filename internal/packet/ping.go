package packet

import "github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"

type PingRequest struct{}

type PingResponse struct{}

func (PingRequest) Type() mqtt.PacketType  { return mqtt.PINGREQ }
func (PingResponse) Type() mqtt.PacketType { return mqtt.PINGRESP }
func (PingRequest) sealed()                {}
func (PingResponse) sealed()               {}

func decodeEmpty(raw *mqtt.Packet) (Packet, error) {
	if raw.Header.RemainingLength != 0 {
		return nil, malformed("%s packet must have no payload", raw.Header.Type)
	}
	switch raw.Header.Type {
	case mqtt.PINGREQ:
		return PingRequest{}, nil
	case mqtt.PINGRESP:
		return PingResponse{}, nil
	default:
		return Disconnect{}, nil
	}
}
