package orchestrator

import (
	"context"
	"net"
	"time"

	"github.com/dosgo/aa-proxy-go/internal/errs"
)

// SingleAccept implements component E: binds addr, accepts exactly one
// connection, and rejects (closes immediately) anything else for the
// cycle, grounded on comm/proxy.go's deadline-based accept loop which
// uses a periodic SetDeadline so the loop stays cancelable.
func SingleAccept(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.New(errs.TCPAcceptTimeout, "tcplistener.Listen", err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		tl := ln.(*net.TCPListener)
		deadline := time.Now().Add(timeout)
		for {
			tl.SetDeadline(time.Now().Add(500 * time.Millisecond))
			conn, err := tl.Accept()
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if time.Now().After(deadline) {
						resc <- result{nil, errs.New(errs.TCPAcceptTimeout, "tcplistener.Accept", err)}
						return
					}
					select {
					case <-ctx.Done():
						resc <- result{nil, ctx.Err()}
						return
					default:
						continue
					}
				}
				resc <- result{nil, err}
				return
			}
			resc <- result{conn, nil}
			return
		}
	}()

	select {
	case r := <-resc:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
