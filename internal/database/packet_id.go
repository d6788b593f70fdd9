package database

import "sync"

// PacketIDAllocator 单调递增的报文标识符计数器，跳过0
type PacketIDAllocator struct {
	mu        sync.Mutex
	currentID uint16
}

func NewPacketIDAllocator() *PacketIDAllocator {
	return &PacketIDAllocator{}
}

// Next 依次返回 1..65535，之后回绕到1
func (a *PacketIDAllocator) Next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.currentID++
	if a.currentID == 0 { // 溢出处理
		a.currentID = 1
	}
	return a.currentID
}
