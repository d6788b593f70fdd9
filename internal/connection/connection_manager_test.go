package connection

import (
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerReplacesExistingConnection(t *testing.T) {
	manager := NewManager()
	first, _ := newPipeChannel(t)
	second, _ := newPipeChannel(t)

	manager.AddConnection("c", first)
	got, ok := manager.GetConnection("c")
	require.True(t, ok)
	assert.Same(t, first, got)

	manager.AddConnection("c", second)
	assert.False(t, first.IsConnected())
	got, ok = manager.GetConnection("c")
	require.True(t, ok)
	assert.Same(t, second, got)

	// 旧连接的清理不能移除新连接
	assert.False(t, manager.Release("c", first))
	assert.True(t, manager.Owns("c", second))
	assert.True(t, manager.Release("c", second))
	_, ok = manager.GetConnection("c")
	assert.False(t, ok)
}

func TestManagerEvictsStaleConnection(t *testing.T) {
	manager := NewManager()
	channel, _ := newPipeChannel(t)
	manager.AddConnection("c", channel)
	require.NoError(t, channel.Close())

	assert.Empty(t, manager.ActiveClients())
	_, ok := manager.GetConnection("c")
	assert.False(t, ok)

	sent, err := manager.Send("c", packet.PingRequest{})
	assert.False(t, sent)
	assert.NoError(t, err)

	// 清除后原连接的收尾仍然拥有该ID
	assert.True(t, manager.Release("c", channel))
	assert.False(t, manager.Release("c", channel))
}

func TestManagerEvictedConnectionTakenOver(t *testing.T) {
	manager := NewManager()
	old, _ := newPipeChannel(t)
	manager.AddConnection("c", old)
	require.NoError(t, old.Close())
	_, ok := manager.GetConnection("c")
	require.False(t, ok)

	current, _ := newPipeChannel(t)
	manager.AddConnection("c", current)
	assert.False(t, manager.Release("c", old))
	assert.True(t, manager.Owns("c", current))
}

func TestManagerRemoveConnection(t *testing.T) {
	manager := NewManager()
	a, _ := newPipeChannel(t)
	b, _ := newPipeChannel(t)
	manager.AddConnection("b", b)
	manager.AddConnection("a", a)
	assert.Equal(t, []string{"a", "b"}, manager.ActiveClients())

	manager.RemoveConnection("a")
	manager.RemoveConnection("a")
	assert.False(t, a.IsConnected())
	assert.Equal(t, []string{"b"}, manager.ActiveClients())

	manager.CloseAll()
	assert.False(t, b.IsConnected())
	assert.Empty(t, manager.ActiveClients())
}

func TestManagerConcurrentReplace(t *testing.T) {
	manager := NewManager()
	channels := make([]*Channel, 20)
	for i := range channels {
		channels[i], _ = newPipeChannel(t)
	}

	var wg sync.WaitGroup
	for _, channel := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.AddConnection("same", channel)
		}()
	}
	wg.Wait()

	connected := 0
	for _, channel := range channels {
		if channel.IsConnected() {
			connected++
		}
	}
	assert.Equal(t, 1, connected)
	got, ok := manager.GetConnection("same")
	require.True(t, ok)
	assert.True(t, got.IsConnected())
}
