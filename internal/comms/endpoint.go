package comms

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/observability"
	"github.com/danmuck/fieldscan/internal/protocol/frame"
	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/protocol/session"
	"github.com/danmuck/fieldscan/internal/scan"
)

// DefaultPort is the link port the Controller listens on.
const DefaultPort = 5002

// ConnState is the link state owned by the endpoint.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EndpointConfig configures one side of the link.
type EndpointConfig struct {
	Role scan.Role
	// Addr is the listen address for the Controller and the dial address
	// for the Scanner.
	Addr    string
	Session session.Config
	// Listener, when set, is used instead of binding Addr.
	Listener net.Listener
	// Dial, when set, replaces TCP dialing.
	Dial DialFunc
}

// Handler consumes one inbound message and reports whether it was handled.
type Handler func(Message) bool

// Endpoint owns the link: one stream at a time, an outbound and an inbound
// queue, and the goroutines that move frames between them.
type Endpoint struct {
	cfg      EndpointConfig
	role     string
	outbound *Queue
	inbound  *Queue

	mu    sync.RWMutex
	conn  *Connection
	state ConnState

	runMu    sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup

	lastHeartbeat atomic.Int64
}

func NewEndpoint(cfg EndpointConfig) *Endpoint {
	cfg.Session = cfg.Session.WithDefaults()
	if strings.TrimSpace(cfg.Addr) == "" && cfg.Listener == nil {
		host := "127.0.0.1"
		if cfg.Role == scan.RoleController {
			host = "0.0.0.0"
		}
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(DefaultPort))
	}
	return &Endpoint{
		cfg:      cfg,
		role:     cfg.Role.String(),
		outbound: NewQueue(cfg.Session.OutboundCapacity),
		inbound:  NewQueue(cfg.Session.InboundCapacity),
		ctx:      context.Background(),
	}
}

// Start spawns the link goroutines and returns immediately. It is a no-op
// when already running. Only a Controller bind failure is reported.
func (e *Endpoint) Start() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	addr := e.cfg.Addr
	if e.cfg.Role == scan.RoleController {
		ln := e.cfg.Listener
		if ln == nil {
			var err error
			ln, err = Listen(e.cfg.Addr)
			if err != nil {
				cancel()
				logs.Errf("comms.Endpoint.Start role=%s err=%v", e.role, err)
				return err
			}
		}
		e.listener = ln
		addr = ln.Addr().String()
		e.spawn(func() { e.acceptLoop(ctx, ln) })
	} else {
		e.spawn(func() { e.connectLoop(ctx) })
	}
	e.spawn(func() { e.sendLoop(ctx) })
	e.spawn(func() { e.heartbeatLoop(ctx) })

	e.ctx = ctx
	e.cancel = cancel
	e.running = true
	logs.Infof("comms.Endpoint.Start role=%s addr=%q", e.role, addr)
	return nil
}

// Stop signals every goroutine, closes the stream and waits up to the
// configured stop timeout. Queued messages are discarded.
func (e *Endpoint) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	if e.listener != nil {
		_ = e.listener.Close()
		e.listener = nil
	}
	e.runMu.Unlock()

	if c := e.current(); c != nil {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Session.StopTimeout):
		logs.Warnf("comms.Endpoint.Stop role=%s join timed out after %s", e.role, e.cfg.Session.StopTimeout)
	}

	e.mu.Lock()
	e.conn = nil
	e.state = StateDisconnected
	e.mu.Unlock()
	observability.RecordConnected(e.role, false)

	out := len(e.outbound.Drain())
	in := len(e.inbound.Drain())
	logs.Infof("comms.Endpoint.Stop role=%s discarded_outbound=%d discarded_inbound=%d", e.role, out, in)
}

// EnqueueSend queues a message for the sender. It never blocks; while
// disconnected messages accumulate up to the outbound bound.
func (e *Endpoint) EnqueueSend(kind schema.Kind, payload []byte) {
	if e.outbound.Push(Message{Kind: kind, Payload: payload}) {
		observability.RecordQueueDrop(e.role, "outbound")
		logs.Warnf("comms.Endpoint.EnqueueSend role=%s outbound full, dropped oldest", e.role)
	}
}

// NextReceived pops the next inbound message. With block false it returns
// immediately; otherwise it waits up to timeout (forever when <= 0) or
// until the endpoint stops.
func (e *Endpoint) NextReceived(block bool, timeout time.Duration) (Message, bool) {
	if !block {
		return e.inbound.TryPop()
	}
	return e.inbound.Pop(e.runContext(), timeout)
}

// NextReceivedContext is NextReceived bounded by ctx as well.
func (e *Endpoint) NextReceivedContext(ctx context.Context, timeout time.Duration) (Message, bool) {
	run := e.runContext()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(run, cancel)
	defer stop()
	return e.inbound.Pop(ctx, timeout)
}

// DiscardOutbound drops every message not yet written to the stream and
// returns how many were dropped.
func (e *Endpoint) DiscardOutbound() int {
	return len(e.outbound.Drain())
}

// ProcessAll drains the inbound queue synchronously. Messages the handler
// does not claim are logged and dropped.
func (e *Endpoint) ProcessAll(handle Handler) int {
	n := 0
	for {
		m, ok := e.inbound.TryPop()
		if !ok {
			return n
		}
		n++
		if handle == nil || !handle(m) {
			logs.Warnf("comms.Endpoint.ProcessAll role=%s unhandled kind=%s payload=%d", e.role, m.Kind, len(m.Payload))
		}
	}
}

func (e *Endpoint) IsConnected() bool {
	return e.State() == StateConnected
}

func (e *Endpoint) State() ConnState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Endpoint) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// Addr returns the bound listen address for a Controller, or the dial
// address for a Scanner.
func (e *Endpoint) Addr() string {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.cfg.Addr
}

// LastHeartbeat is when the peer's last heartbeat arrived.
func (e *Endpoint) LastHeartbeat() time.Time {
	ns := e.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// QueueDepths reports outbound and inbound lengths.
func (e *Endpoint) QueueDepths() (int, int) {
	return e.outbound.Len(), e.inbound.Len()
}

func (e *Endpoint) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Endpoint) runContext() context.Context {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.ctx
}

func (e *Endpoint) current() *Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conn
}

func (e *Endpoint) setState(s ConnState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// setConn installs c as the live stream, closing any stream it replaces.
func (e *Endpoint) setConn(c *Connection) {
	e.mu.Lock()
	prev := e.conn
	e.conn = c
	e.state = StateConnected
	e.mu.Unlock()
	if prev != nil && prev != c {
		_ = prev.Close()
	}
	observability.RecordConnected(e.role, true)
	e.inbound.Push(Message{Kind: schema.KindConnect})
}

// clearConnIf drops c only if it is still the live stream and reports
// whether it was.
func (e *Endpoint) clearConnIf(c *Connection) bool {
	e.mu.Lock()
	if e.conn != c {
		e.mu.Unlock()
		return false
	}
	e.conn = nil
	e.state = StateDisconnected
	e.mu.Unlock()
	_ = c.Close()
	observability.RecordConnected(e.role, false)
	return true
}

func (e *Endpoint) acceptLoop(ctx context.Context, ln net.Listener) {
	e.setState(StateConnecting)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logs.Warnf("comms.Endpoint.acceptLoop role=%s err=%v retry_in=%s", e.role, err, e.cfg.Session.AcceptRetryDelay)
			if !sleepCtx(ctx, e.cfg.Session.AcceptRetryDelay) {
				return
			}
			continue
		}
		c := NewConnection(conn, e.cfg.Session)
		if prev := e.current(); prev != nil {
			logs.Warnf("comms.Endpoint.acceptLoop role=%s replacing stream remote=%q", e.role, prev.RemoteAddr())
		}
		e.setConn(c)
		logs.Infof("comms.Endpoint.acceptLoop role=%s peer connected remote=%q", e.role, c.RemoteAddr())
		e.spawn(func() {
			e.listen(ctx, c)
		})
	}
}

func (e *Endpoint) connectLoop(ctx context.Context) {
	for ctx.Err() == nil {
		e.setState(StateConnecting)
		conn, err := ConnectWithRetry(ctx, e.cfg.Addr, e.cfg.Dial, e.cfg.Session.Reconnect.NewBackOff())
		if err != nil {
			return
		}
		c := NewConnection(conn, e.cfg.Session)
		e.setConn(c)
		logs.Infof("comms.Endpoint.connectLoop role=%s connected remote=%q", e.role, c.RemoteAddr())
		e.listen(ctx, c)
	}
}

// listen reads frames off c until the stream fails, then reports the loss.
func (e *Endpoint) listen(ctx context.Context, c *Connection) {
	for {
		m, err := c.Receive()
		if err != nil {
			if frame.Recoverable(err) {
				observability.RecordLinkError(e.role, "framing")
				logs.Warnf("comms.Endpoint.listen role=%s dropped frame err=%v", e.role, err)
				continue
			}
			if e.clearConnIf(c) && ctx.Err() == nil {
				logs.Warnf("comms.Endpoint.listen role=%s connection lost err=%v", e.role, err)
				e.inbound.Push(Message{Kind: schema.KindDisconnect})
			}
			return
		}
		observability.RecordFrame(e.role, "rx", m.Kind.String(), len(m.Payload))
		if m.Kind == schema.KindHeartbeat {
			e.lastHeartbeat.Store(time.Now().UnixNano())
			logs.Debugf("comms.Endpoint.listen role=%s heartbeat", e.role)
			continue
		}
		if len(m.Payload) > 0 {
			if _, err := session.PayloadSchema(m.Payload); err != nil {
				observability.RecordLinkError(e.role, "serialization")
				logs.Errf("comms.Endpoint.listen role=%s undecodable payload kind=%s len=%d err=%v", e.role, m.Kind, len(m.Payload), err)
				m.Payload = nil
			}
		}
		if e.inbound.Push(m) {
			observability.RecordQueueDrop(e.role, "inbound")
			logs.Warnf("comms.Endpoint.listen role=%s inbound full, dropped oldest", e.role)
		}
	}
}

func (e *Endpoint) sendLoop(ctx context.Context) {
	poll := e.cfg.Session.SendPollInterval
	for ctx.Err() == nil {
		c := e.current()
		if c == nil {
			if !sleepCtx(ctx, min(poll, 100*time.Millisecond)) {
				return
			}
			continue
		}
		m, ok := e.outbound.Pop(ctx, poll)
		if !ok {
			continue
		}
		if err := c.Send(m); err != nil {
			if !errors.Is(err, ErrConnectionLost) {
				observability.RecordLinkError(e.role, "framing")
				logs.Errf("comms.Endpoint.sendLoop role=%s dropped unsendable kind=%s len=%d err=%v", e.role, m.Kind, len(m.Payload), err)
				continue
			}
			// keep the message for the next stream; listen reports the loss
			e.outbound.PushFront(m)
			logs.Warnf("comms.Endpoint.sendLoop role=%s send kind=%s err=%v", e.role, m.Kind, err)
			_ = c.Close()
			continue
		}
		observability.RecordFrame(e.role, "tx", m.Kind.String(), len(m.Payload))
	}
}

func (e *Endpoint) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.IsConnected() {
				e.EnqueueSend(schema.KindHeartbeat, nil)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
