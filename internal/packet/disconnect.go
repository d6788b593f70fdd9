package packet

import "github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"

type Disconnect struct{}

func (Disconnect) Type() mqtt.PacketType { return mqtt.DISCONNECT }
func (Disconnect) sealed()               {}
