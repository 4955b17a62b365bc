package comms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/protocol/frame"
	"github.com/danmuck/fieldscan/internal/protocol/session"
)

var (
	ErrBind           = errors.New("comms: bind failed")
	ErrConnectionLost = errors.New("comms: connection lost")
)

// DialFunc opens one stream to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Connection is one live framed stream. Send is safe for concurrent use;
// Receive is meant for a single reader.
type Connection struct {
	conn         net.Conn
	limits       frame.Limits
	readTimeout  time.Duration
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func NewConnection(conn net.Conn, cfg session.Config) *Connection {
	cfg = cfg.WithDefaults()
	return &Connection{
		conn:         conn,
		limits:       cfg.Limits,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Send writes one frame. A message that cannot be encoded comes back as a
// *frame.FramingError and leaves the stream untouched; write failures wrap
// ErrConnectionLost.
func (c *Connection) Send(m Message) error {
	b, err := frame.Encode(m.Kind, m.Payload, c.limits)
	if err != nil {
		return &frame.FramingError{Kind: uint8(m.Kind), Len: uint32(len(m.Payload)), Err: err}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Receive blocks for the next frame. Errors that satisfy frame.Recoverable
// leave the stream usable; anything else means the stream is gone.
func (c *Connection) Receive() (Message, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
	f, err := frame.ReadFrame(c.conn, c.limits)
	if err != nil {
		if frame.Recoverable(err) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return Message{Kind: f.Kind, Payload: f.Payload}, nil
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Listen binds the server socket. Failure here is the only fatal transport
// error.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	return ln, nil
}

// ConnectWithRetry dials addr until it succeeds or ctx is done. The policy
// decides the delay between attempts; it is expected never to stop.
func ConnectWithRetry(ctx context.Context, addr string, dial DialFunc, policy backoff.BackOff) (net.Conn, error) {
	if dial == nil {
		dial = defaultDial
	}
	attempt := 0
	var conn net.Conn
	op := func() error {
		attempt++
		c, err := dial(ctx, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logs.Warnf("comms.ConnectWithRetry attempt=%d addr=%q retry_in=%s err=%v", attempt, addr, next, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	logs.Infof("comms.ConnectWithRetry connected addr=%q attempts=%d", addr, attempt)
	return conn, nil
}
