package database

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound      = errors.New("document does not exist")
	ErrAlreadyExists = errors.New("document already exists")
	ErrEmptyID       = errors.New("entity id is empty")
)

// Entity 可存入仓库的值类型，Clone 必须返回深拷贝
type Entity[T any] interface {
	EntityID() string
	Clone() T
}

// Repository 以字符串ID为键的键值仓库
type Repository[T Entity[T]] interface {
	Get(ctx context.Context, id string) (T, error)
	GetAll(ctx context.Context, predicate func(T) bool) ([]T, error)
	Create(ctx context.Context, entity T) error
	Update(ctx context.Context, entity T) error
	// Delete 不存在时不报错
	Delete(ctx context.Context, id string) error
}

type MemoryRepository[T Entity[T]] struct {
	mu    sync.RWMutex
	items map[string]T
	order []string
}

func NewMemoryRepository[T Entity[T]]() *MemoryRepository[T] {
	return &MemoryRepository[T]{items: make(map[string]T)}
}

func (r *MemoryRepository[T]) Get(_ context.Context, id string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return item.Clone(), nil
}

// GetAll 按插入顺序返回满足条件的实体，predicate 为 nil 时返回全部
func (r *MemoryRepository[T]) GetAll(_ context.Context, predicate func(T) bool) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]T, 0, len(r.order))
	for _, id := range r.order {
		item := r.items[id]
		if predicate == nil || predicate(item) {
			result = append(result, item.Clone())
		}
	}
	return result, nil
}

func (r *MemoryRepository[T]) Create(_ context.Context, entity T) error {
	id := entity.EntityID()
	if id == "" {
		return ErrEmptyID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return ErrAlreadyExists
	}
	r.items[id] = entity.Clone()
	r.order = append(r.order, id)
	return nil
}

func (r *MemoryRepository[T]) Update(_ context.Context, entity T) error {
	id := entity.EntityID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return ErrNotFound
	}
	r.items[id] = entity.Clone()
	return nil
}

func (r *MemoryRepository[T]) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return nil
	}
	delete(r.items, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}
