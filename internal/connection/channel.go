package connection

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/mqtt"
	"github.com/life-stream-dev/life-stream-mqtt/internal/packet"
)

var ErrChannelClosed = errors.New("channel closed")

const DefaultBufferSize = 8192

// Channel 把一个字节流传输包装为有序的报文流：读协程分帧解码后送入 Packets，
// Send 串行写出完整的帧
type Channel struct {
	id         string
	conn       io.ReadWriteCloser
	bufferSize int

	writeMu sync.Mutex
	inbound chan packet.Packet
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error

	scheduler *Scheduler
}

func NewChannel(conn io.ReadWriteCloser, bufferSize int) *Channel {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	c := &Channel{
		id:         uuid.NewString(),
		conn:       conn,
		bufferSize: bufferSize,
		inbound:    make(chan packet.Packet),
		done:       make(chan struct{}),
		scheduler:  NewScheduler(),
	}
	go c.readLoop()
	return c
}

func (c *Channel) ID() string { return c.id }

// Packets 按接收顺序输出报文，连接结束后关闭
func (c *Channel) Packets() <-chan packet.Packet { return c.inbound }

func (c *Channel) Done() <-chan struct{} { return c.done }

// Err 返回导致连接结束的错误，正常关闭时为 nil
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Channel) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Channel) Send(p packet.Packet) error {
	if !c.IsConnected() {
		return ErrChannelClosed
	}
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	total := 0
	for total < len(data) {
		n, err := c.conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", c.id, err)
			c.CloseWithError(err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %s packet, %d bytes", c.id, p.Type(), total)
	return nil
}

// Retry 在连接关闭前按 interval 重复执行 fn
func (c *Channel) Retry(key RetryKey, interval time.Duration, fn func() bool) {
	c.scheduler.Retry(key, interval, fn)
}

func (c *Channel) CancelRetry(key RetryKey) bool {
	return c.scheduler.Cancel(key)
}

func (c *Channel) PendingRetries() int {
	return c.scheduler.Pending()
}

func (c *Channel) Close() error {
	return c.CloseWithError(nil)
}

// CloseWithError 关闭连接并记录终止原因，只有第一次调用生效
func (c *Channel) CloseWithError(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		if cause != nil {
			c.setErr(cause)
		}
		close(c.done)
		c.scheduler.Close()
		if err = c.conn.Close(); err != nil && IsNetClosedError(err) {
			err = nil
		}
	})
	return err
}

func (c *Channel) readLoop() {
	defer close(c.inbound)

	framer := mqtt.NewFramer()
	buf := make([]byte, c.bufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for frame, frameErr := range framer.Frames(buf[:n]) {
				if frameErr != nil {
					c.CloseWithError(frameErr)
					return
				}
				p, decodeErr := packet.Decode(frame)
				var rejected *packet.ConnectRejectedError
				if errors.As(decodeErr, &rejected) {
					// 保持连接可写，由上层回复 CONNACK 后再关闭
					c.setErr(decodeErr)
					return
				}
				if decodeErr != nil {
					c.CloseWithError(decodeErr)
					return
				}
				select {
				case c.inbound <- p:
				case <-c.done:
					return
				}
			}
		}
		if err != nil {
			c.CloseWithError(err)
			return
		}
	}
}
