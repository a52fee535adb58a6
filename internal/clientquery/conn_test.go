package clientquery

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestConn(t *testing.T) (*Conn, net.Conn, *bufio.Reader) {
	t.Helper()
	client, server := net.Pipe()
	logger := zerolog.Nop()
	c := NewConn(client, &logger)
	t.Cleanup(c.Close)
	t.Cleanup(func() { server.Close() })
	return c, server, bufio.NewReader(server)
}

func serverReadLine(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	return line
}

func serverWrite(t *testing.T, server net.Conn, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if _, err := server.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}
}

func TestSendCorrelatesPayloadAndTerminal(t *testing.T) {
	c, server, br := newTestConn(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if got := serverReadLine(t, br); got != "whoami\n" {
			t.Errorf("server got %q", got)
		}
		serverWrite(t, server, "clid=5 cid=7 schandlerid=1", "error id=0 msg=ok")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Send(ctx, "whoami")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != "clid=5 cid=7 schandlerid=1" {
		t.Fatalf("payload: %#v", resp.Payload)
	}
	if kv := resp.First(); kv["clid"] != "5" || kv["cid"] != "7" {
		t.Fatalf("record: %#v", kv)
	}
	<-done
}

func TestSendReturnsQueryError(t *testing.T) {
	c, server, br := newTestConn(t)

	go func() {
		serverReadLine(t, br)
		serverWrite(t, server, `error id=1538 msg=invalid\sparameter`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Send(ctx, "use schandlerid=banana")
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QueryError, got %v", err)
	}
	if qe.ID != 1538 || qe.Msg != "invalid parameter" {
		t.Fatalf("got %+v", qe)
	}
	if resp.OK() {
		t.Error("response should not be OK")
	}
}

func TestNotificationsInterleaveAtLineBoundaries(t *testing.T) {
	c, server, br := newTestConn(t)

	go func() {
		serverReadLine(t, br)
		serverWrite(t, server,
			"clid=1 cid=7",
			"notifytalkstatuschange schandlerid=1 status=1 clid=1",
			"error id=0 msg=ok",
		)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Send(ctx, "clientlist")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(resp.Payload) != 1 {
		t.Fatalf("notification leaked into payload: %#v", resp.Payload)
	}

	select {
	case line := <-c.Notifications():
		if !IsNotification(line) {
			t.Fatalf("got non-notification %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestKeepaliveChallengeAnsweredInline(t *testing.T) {
	// The challenge arrives with or without a msg field; both forms get the
	// bare-newline answer.
	for _, challenge := range []string{
		`error id=1796 msg=waiting\sfor\skey`,
		`error id=1796`,
	} {
		c, server, br := newTestConn(t)
		_ = c

		serverWrite(t, server, challenge)

		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("%q: server read: %v", challenge, err)
		}
		if line != "\n" {
			t.Fatalf("%q: expected bare newline reply, got %q", challenge, line)
		}
	}
}

func TestBareKeepaliveNotCorrelatedWithPendingCommand(t *testing.T) {
	c, server, br := newTestConn(t)

	go func() {
		serverReadLine(t, br)
		// Challenge interleaved before the real terminal; it must not close
		// out the pending command.
		serverWrite(t, server, "error id=1796")
		if got := serverReadLine(t, br); got != "\n" {
			t.Errorf("challenge answer: got %q", got)
		}
		serverWrite(t, server, "clid=5", "error id=0 msg=ok")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Send(ctx, "whoami")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.OK() || len(resp.Payload) != 1 || resp.Payload[0] != "clid=5" {
		t.Fatalf("keepalive misattributed as response: %+v", resp)
	}
}

func TestTimedOutCommandDiscardsLateResponse(t *testing.T) {
	c, server, br := newTestConn(t)

	go func() {
		serverReadLine(t, br) // first command; response withheld past the deadline
		serverReadLine(t, br) // second command
		serverWrite(t, server,
			"error id=0 msg=first",
			"x=y",
			"error id=0 msg=second",
		)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := c.Send(ctx, "slow")
	cancel()
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	resp, err := c.Send(ctx2, "fast")
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if resp.Status.Msg != "second" {
		t.Fatalf("late response misattributed: %+v", resp.Status)
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != "x=y" {
		t.Fatalf("payload: %#v", resp.Payload)
	}
}

func TestLinkFailureFailsPendingWithLinkError(t *testing.T) {
	c, server, br := newTestConn(t)

	go func() {
		serverReadLine(t, br)
		server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Send(ctx, "whoami")
	var le *LinkError
	if !errors.As(err, &le) {
		t.Fatalf("expected LinkError, got %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after link failure")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	c, _, _ := newTestConn(t)
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Send(ctx, "whoami")
	var le *LinkError
	if !errors.As(err, &le) {
		t.Fatalf("expected LinkError, got %v", err)
	}
}
