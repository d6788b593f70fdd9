package database

import (
	"sync"
	"testing"
)

func TestPacketIDAllocator(t *testing.T) {
	allocator := NewPacketIDAllocator()

	for expected := 1; expected <= 65535; expected++ {
		if id := allocator.Next(); int(id) != expected {
			t.Fatalf("Expected %d, got %d", expected, id)
		}
	}

	// 测试溢出
	if id := allocator.Next(); id != 1 {
		t.Fatalf("Expected 1 after overflow, got %d", id)
	}
	if id := allocator.Next(); id != 2 {
		t.Fatalf("Expected 2 after overflow, got %d", id)
	}
}

func TestPacketIDAllocatorConcurrent(t *testing.T) {
	allocator := NewPacketIDAllocator()
	const workers, perWorker = 8, 1000

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint16]struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				id := allocator.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("Expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
	if _, ok := seen[0]; ok {
		t.Fatal("allocator returned 0")
	}
}
