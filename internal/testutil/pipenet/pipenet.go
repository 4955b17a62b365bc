// Package pipenet is an in-memory listener/dialer pair built on net.Pipe.
package pipenet

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

var ErrRefused = errors.New("pipenet: connection refused")

type addr struct{}

func (addr) Network() string { return "pipe" }
func (addr) String() string  { return "pipe" }

// Network hands the server end of each dialed pipe to Accept.
type Network struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once

	refuse atomic.Bool
	dials  atomic.Int64
}

func New() *Network {
	return &Network{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// Refuse makes subsequent dials fail until called again with false.
func (n *Network) Refuse(v bool) {
	n.refuse.Store(v)
}

// Dials counts dial attempts, successful or not.
func (n *Network) Dials() int64 {
	return n.dials.Load()
}

func (n *Network) Dial(ctx context.Context, _ string) (net.Conn, error) {
	n.dials.Add(1)
	if n.refuse.Load() {
		return nil, ErrRefused
	}
	client, server := net.Pipe()
	select {
	case n.conns <- server:
		return client, nil
	case <-n.closed:
		_ = client.Close()
		_ = server.Close()
		return nil, ErrRefused
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
}

// Listener returns the accepting side.
func (n *Network) Listener() net.Listener {
	return listener{n}
}

type listener struct {
	n *Network
}

func (l listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.n.conns:
		return c, nil
	case <-l.n.closed:
		return nil, net.ErrClosed
	}
}

func (l listener) Close() error {
	l.n.once.Do(func() { close(l.n.closed) })
	return nil
}

func (l listener) Addr() net.Addr {
	return addr{}
}
