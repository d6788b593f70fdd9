package connection

import (
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
)

// RetryKey 标识一个重传任务：等待的报文类型 + 报文标识符
type RetryKey struct {
	Kind     mqtt.PacketType
	PacketID uint16
}

type retryTask struct {
	timer *time.Timer
}

// Scheduler 管理单个连接上的重传定时器，关闭后不会再触发任何任务
type Scheduler struct {
	mu     sync.Mutex
	closed bool
	tasks  map[RetryKey]*retryTask
}

func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[RetryKey]*retryTask)}
}

// Retry 每隔 interval 调用一次 fn，直到 fn 返回 false、任务被取消或调度器关闭。
// 同一个 key 的旧任务会被替换
func (s *Scheduler) Retry(key RetryKey, interval time.Duration, fn func() bool) {
	task := &retryTask{}

	var fire func()
	fire = func() {
		if !s.current(key, task) {
			return
		}
		if !fn() {
			s.mu.Lock()
			if s.tasks[key] == task {
				delete(s.tasks, key)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.tasks[key] != task {
			return
		}
		task.timer = time.AfterFunc(interval, fire)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.tasks[key]; ok {
		old.timer.Stop()
	}
	task.timer = time.AfterFunc(interval, fire)
	s.tasks[key] = task
}

func (s *Scheduler) current(key RetryKey, task *retryTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.tasks[key] == task
}

// Cancel 返回任务是否存在
func (s *Scheduler) Cancel(key RetryKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(s.tasks, key)
	return true
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, task := range s.tasks {
		task.timer.Stop()
		delete(s.tasks, key)
	}
}
