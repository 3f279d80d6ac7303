// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package forward

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
)

type poolConn struct {
	addr string
	conn *grpc.ClientConn
	refs int
}

// ConnPool shares one client connection per target address. A connection
// lives while it is referenced and is closed with its last release.
type ConnPool struct {
	dialOpts []grpc.DialOption

	lock  sync.Mutex
	conns map[string]*poolConn
}

func NewConnPool(cfg *Config, opts ...grpc.DialOption) *ConnPool {
	initConfig(cfg)
	return &ConnPool{
		dialOpts: append(generateDialOpts(cfg), opts...),
		conns:    make(map[string]*poolConn),
	}
}

// Conn is a referenced connection. Release it exactly once.
type Conn struct {
	*grpc.ClientConn
	pool *ConnPool
	pc   *poolConn
	once sync.Once
}

func (c *Conn) Release() {
	c.once.Do(func() { c.pool.release(c.pc) })
}

// Get returns a referenced connection to addr, dialing it if no live one
// exists.
func (p *ConnPool) Get(ctx context.Context, addr string) (*Conn, error) {
	p.lock.Lock()
	if pc, ok := p.conns[addr]; ok {
		pc.refs++
		p.lock.Unlock()
		return &Conn{ClientConn: pc.conn, pool: p, pc: pc}, nil
	}
	p.lock.Unlock()

	conn, err := grpc.DialContext(ctx, addr, p.dialOpts...)
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if pc, ok := p.conns[addr]; ok {
		// lost a dial race
		conn.Close()
		pc.refs++
		return &Conn{ClientConn: pc.conn, pool: p, pc: pc}, nil
	}
	pc := &poolConn{addr: addr, conn: conn, refs: 1}
	p.conns[addr] = pc
	trace.SpanFromContextSafe(ctx).Debugf("dial replica %s", addr)
	return &Conn{ClientConn: conn, pool: p, pc: pc}, nil
}

func (p *ConnPool) release(pc *poolConn) {
	p.lock.Lock()
	defer p.lock.Unlock()
	pc.refs--
	if pc.refs > 0 {
		return
	}
	if p.conns[pc.addr] == pc {
		delete(p.conns, pc.addr)
	}
	pc.conn.Close()
}

// Len returns the number of live connections.
func (p *ConnPool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.conns)
}

// Close closes every connection regardless of references.
func (p *ConnPool) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for addr, pc := range p.conns {
		pc.conn.Close()
		delete(p.conns, addr)
	}
}
