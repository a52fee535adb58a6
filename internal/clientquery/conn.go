package clientquery

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var errConnClosed = errors.New("connection closed")

// pendingCommand is one outbound command awaiting its terminal status.
// Commands resolve strictly in send order; abandoned commands stay queued
// so the eventual late response is consumed without misattribution.
type pendingCommand struct {
	line      string
	payload   []string
	done      chan Response
	abandoned bool
}

// Conn frames a ClientQuery byte stream into lines and correlates command
// responses while routing notification lines to a side channel. One command
// is outstanding at a time; further senders queue FIFO on the turn slot.
type Conn struct {
	nc  net.Conn
	log *zerolog.Logger

	notifications chan string
	turn          chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	pending []*pendingCommand

	done     chan struct{}
	failOnce sync.Once
	err      error
}

// NewConn wraps an established transport and starts the read loop.
func NewConn(nc net.Conn, logger *zerolog.Logger) *Conn {
	c := &Conn{
		nc:            nc,
		log:           logger,
		notifications: make(chan string, 64),
		turn:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Notifications delivers asynchronous event lines in transport order.
// Consumers must select on Done as well; the channel is never closed.
func (c *Conn) Notifications() <-chan string { return c.notifications }

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the failure cause after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears the connection down, failing all pending commands.
func (c *Conn) Close() {
	c.fail(errConnClosed)
}

// Send writes one command and blocks until its correlated terminal status,
// the context deadline, or link failure. A non-zero status is returned as
// both the Response and a *QueryError. On deadline the command is left
// queued as abandoned so its eventual response is discarded in order.
func (c *Conn) Send(ctx context.Context, cmd string) (Response, error) {
	select {
	case c.turn <- struct{}{}:
		defer func() { <-c.turn }()
	case <-ctx.Done():
		return Response{}, ErrCommandTimeout
	case <-c.done:
		return Response{}, &LinkError{Err: c.err}
	}

	p := &pendingCommand{line: cmd, done: make(chan Response, 1)}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return Response{}, &LinkError{Err: c.err}
	default:
	}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	if err := c.writeLine(cmd); err != nil {
		c.fail(err)
		return Response{}, &LinkError{Err: err}
	}

	select {
	case resp := <-p.done:
		if !resp.OK() {
			return resp, &QueryError{ID: resp.Status.ID, Msg: resp.Status.Msg}
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		p.abandoned = true
		c.mu.Unlock()
		c.log.Warn().Str("cmd", headWord(cmd)).Msg("command timed out; response will be discarded")
		return Response{}, ErrCommandTimeout
	case <-c.done:
		return Response{}, &LinkError{Err: c.err}
	}
}

func (c *Conn) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write([]byte(line + "\n"))
	return err
}

func (c *Conn) readLoop() {
	br := bufio.NewReader(c.nc)
	for {
		raw, err := br.ReadString('\n')
		if err != nil {
			c.fail(err)
			return
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if IsNotification(line) {
			select {
			case c.notifications <- line:
			case <-c.done:
				return
			}
			continue
		}

		// Idle keepalive challenge; answered inline, never correlated.
		// It may arrive with or without a msg field.
		if st, ok := ParseStatus(line); ok && st.ID == keepaliveErrorID {
			if err := c.writeLine(""); err != nil {
				c.fail(err)
				return
			}
			continue
		}

		c.consumeResponseLine(line)
	}
}

// consumeResponseLine appends a line to the oldest pending command, closing
// it out when the line is a terminal status.
func (c *Conn) consumeResponseLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		c.log.Warn().Str("line", line).Msg("unsolicited response line discarded")
		return
	}

	p := c.pending[0]
	st, terminal := ParseStatus(line)
	if !terminal {
		p.payload = append(p.payload, line)
		return
	}

	c.pending = c.pending[1:]
	if p.abandoned {
		c.log.Debug().Str("cmd", headWord(p.line)).Msg("discarded late response for abandoned command")
		return
	}
	p.done <- Response{Payload: p.payload, Status: st}
}

// fail records the first failure cause, closes the transport, and wakes
// every pending sender with a LinkError.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.nc.Close()
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	})
}

func headWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
