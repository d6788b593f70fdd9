package database

import (
	"context"
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	session, present, err := store.ResolveSession(ctx, "c", false)
	require.NoError(t, err)
	assert.False(t, present)
	assert.False(t, session.Clean)

	_, err = store.UpdateSession(ctx, "c", func(s *Session) bool {
		s.AddSubscription(Subscription{TopicFilter: "a", MaximumQoS: mqtt.AtLeastOnce})
		return true
	})
	require.NoError(t, err)

	// 持久会话被复用
	session, present, err = store.ResolveSession(ctx, "c", false)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Len(t, session.Subscriptions, 1)

	// clean 丢弃旧会话
	session, present, err = store.ResolveSession(ctx, "c", true)
	require.NoError(t, err)
	assert.False(t, present)
	assert.True(t, session.Clean)
	assert.Empty(t, session.Subscriptions)

	// 上一次是 clean 会话，不算作已有会话
	_, present, err = store.ResolveSession(ctx, "c", false)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestUpdateSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpdateSession(ctx, "missing", func(s *Session) bool { return true })
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = store.ResolveSession(ctx, "c", false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateSession(ctx, "c", func(s *Session) bool {
				s.AddPendingRelease(uint16(i + 1))
				return true
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	session, err := store.Sessions.Get(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, session.PendingReleases, 50)

	unchanged, err := store.UpdateSession(ctx, "c", func(s *Session) bool {
		s.PendingReleases = nil
		return false
	})
	require.NoError(t, err)
	assert.Nil(t, unchanged.PendingReleases)
	session, err = store.Sessions.Get(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, session.PendingReleases, 50)
}

func TestSaveRetained(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SaveRetained(ctx, RetainedMessage{Topic: "t", QoS: mqtt.AtLeastOnce, Payload: []byte("1")}))
	require.NoError(t, store.SaveRetained(ctx, RetainedMessage{Topic: "t", QoS: mqtt.AtMostOnce, Payload: []byte("2")}))
	message, err := store.Retained.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), message.Payload)
	assert.Equal(t, mqtt.AtMostOnce, message.QoS)

	require.NoError(t, store.SaveRetained(ctx, RetainedMessage{Topic: "t"}))
	_, err = store.Retained.Get(ctx, "t")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWillLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	will := &packet.Will{Topic: "w", Payload: []byte("bye"), QoS: mqtt.AtLeastOnce}

	require.NoError(t, store.ReplaceWill(ctx, NewConnectionWill("c", "conn-1", will)))
	require.NoError(t, store.ReplaceWill(ctx, NewConnectionWill("c", "conn-2", will)))

	_, ok, err := store.TakeWill(ctx, "c", "conn-1")
	require.NoError(t, err)
	assert.False(t, ok)

	taken, ok, err := store.TakeWill(ctx, "c", "conn-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "w", taken.Topic)

	_, ok, err = store.TakeWill(ctx, "c", "conn-2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReplaceWill(ctx, NewConnectionWill("c", "conn-3", will)))
	require.NoError(t, store.DeleteWill(ctx, "c"))
	_, err = store.Wills.Get(ctx, "c")
	assert.ErrorIs(t, err, ErrNotFound)
}
