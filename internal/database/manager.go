package database

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// Store 汇总会话、保留消息与遗嘱三个仓库，并串行化同一键上的读-改-写
type Store struct {
	Sessions Repository[Session]
	Retained Repository[RetainedMessage]
	Wills    Repository[ConnectionWill]

	locks [lockStripes]sync.Mutex
}

func NewStore(sessions Repository[Session], retained Repository[RetainedMessage], wills Repository[ConnectionWill]) *Store {
	return &Store{Sessions: sessions, Retained: retained, Wills: wills}
}

func NewMemoryStore() *Store {
	return NewStore(
		NewMemoryRepository[Session](),
		NewMemoryRepository[RetainedMessage](),
		NewMemoryRepository[ConnectionWill](),
	)
}

func (s *Store) lock(kind, key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// ResolveSession 连接时的会话处理：clean 为真时丢弃旧会话并新建；
// 否则复用已有的持久会话。第二个返回值即 CONNACK 的 session present
func (s *Store) ResolveSession(ctx context.Context, clientID string, clean bool) (Session, bool, error) {
	defer s.lock("session", clientID)()

	existing, err := s.Sessions.Get(ctx, clientID)
	switch {
	case err == nil:
		if !clean && !existing.Clean {
			return existing, true, nil
		}
		if err := s.Sessions.Delete(ctx, clientID); err != nil {
			return Session{}, false, err
		}
	case !errors.Is(err, ErrNotFound):
		return Session{}, false, err
	}

	session := NewSession(clientID, clean)
	if err := s.Sessions.Create(ctx, session); err != nil {
		return Session{}, false, err
	}
	return session, false, nil
}

// UpdateSession 在键锁内读取会话、执行 fn 并写回；fn 返回 false 时不写回
func (s *Store) UpdateSession(ctx context.Context, clientID string, fn func(session *Session) bool) (Session, error) {
	defer s.lock("session", clientID)()

	session, err := s.Sessions.Get(ctx, clientID)
	if err != nil {
		return Session{}, err
	}
	if !fn(&session) {
		return session, nil
	}
	if err := s.Sessions.Update(ctx, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, clientID string) error {
	defer s.lock("session", clientID)()
	return s.Sessions.Delete(ctx, clientID)
}

// SaveRetained 替换主题上的保留消息，负载为空时只删除
func (s *Store) SaveRetained(ctx context.Context, message RetainedMessage) error {
	defer s.lock("retained", message.Topic)()

	if err := s.Retained.Delete(ctx, message.Topic); err != nil {
		return err
	}
	if len(message.Payload) == 0 {
		return nil
	}
	return s.Retained.Create(ctx, message)
}

func (s *Store) ReplaceWill(ctx context.Context, will ConnectionWill) error {
	defer s.lock("will", will.ClientID)()

	if err := s.Wills.Delete(ctx, will.ClientID); err != nil {
		return err
	}
	return s.Wills.Create(ctx, will)
}

func (s *Store) DeleteWill(ctx context.Context, clientID string) error {
	defer s.lock("will", clientID)()
	return s.Wills.Delete(ctx, clientID)
}

// TakeWill 取出并删除属于该连接的遗嘱；遗嘱已被更新的连接替换时返回 false
func (s *Store) TakeWill(ctx context.Context, clientID, connectionID string) (ConnectionWill, bool, error) {
	defer s.lock("will", clientID)()

	will, err := s.Wills.Get(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return ConnectionWill{}, false, nil
	}
	if err != nil {
		return ConnectionWill{}, false, err
	}
	if will.ConnectionID != connectionID {
		return ConnectionWill{}, false, nil
	}
	if err := s.Wills.Delete(ctx, clientID); err != nil {
		return ConnectionWill{}, false, err
	}
	return will, true, nil
}
