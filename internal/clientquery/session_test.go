package clientquery

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/h4rm0n1c/tsraild/internal/engine"
)

type staticKey string

func (k staticKey) ReadKey() (string, error) { return string(k), nil }

// fakeClientQuery is a minimal scripted ClientQuery endpoint.
type fakeClientQuery struct {
	ln     net.Listener
	apiKey string

	mu    sync.Mutex
	conns []net.Conn
}

// closeAll tears down the listener and every live connection.
func (f *fakeClientQuery) closeAll() {
	f.ln.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
}

// notify pushes an asynchronous event line to every connected client.
func (f *fakeClientQuery) notify(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_, _ = c.Write([]byte(line + "\n"))
	}
}

func startFakeClientQuery(t *testing.T, apiKey string) *fakeClientQuery {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeClientQuery{ln: ln, apiKey: apiKey}
	t.Cleanup(func() { ln.Close() })
	go f.acceptLoop()
	return f
}

func (f *fakeClientQuery) addr() string { return f.ln.Addr().String() }

func (f *fakeClientQuery) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *fakeClientQuery) serve(conn net.Conn) {
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	defer conn.Close()
	write := func(lines ...string) {
		for _, l := range lines {
			if _, err := conn.Write([]byte(l + "\n")); err != nil {
				return
			}
		}
	}

	write("TS3 Client", `Welcome to the TeamSpeak 3 ClientQuery interface.`)

	br := bufio.NewReader(conn)
	for {
		raw, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "auth "):
			if line == "auth apikey="+Escape(f.apiKey) {
				write("error id=0 msg=ok")
			} else {
				write(`error id=1540 msg=invalid\sapikey`)
			}
		case line == "whoami":
			write("clid=1 cid=7 schandlerid=1", "error id=0 msg=ok")
		case strings.HasPrefix(line, "use "),
			strings.HasPrefix(line, "clientnotifyregister"),
			line == "servernotifyregister event=any":
			write("error id=0 msg=ok")
		case line == "channellist":
			write(`cid=7 channel_name=Rail\sRoom|cid=9 channel_name=AFK`, "error id=0 msg=ok")
		case line == "clientlist -voice -uid":
			write(
				`clid=1 cid=7 client_unique_identifier=BOT= client_nickname=railbot|`+
					`clid=2 cid=7 client_unique_identifier=U1= client_nickname=alice`,
				"error id=0 msg=ok",
			)
		default:
			write("error id=0 msg=ok")
		}
	}
}

func startSession(t *testing.T, addr string, keys KeySource) (<-chan engine.Event, *Session, context.CancelFunc) {
	t.Helper()
	events := make(chan engine.Event, 64)
	logger := zerolog.Nop()
	sess := NewSession(SessionConfig{
		Addr:           addr,
		CommandTimeout: 2 * time.Second,
		ReconnectMin:   20 * time.Millisecond,
		ReconnectMax:   100 * time.Millisecond,
	}, keys, events, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)
	return events, sess, cancel
}

func waitEvent[T engine.Event](t *testing.T, events <-chan engine.Event) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestSessionConnectsAndSyncs(t *testing.T) {
	fake := startFakeClientQuery(t, "GOODKEY")
	events, sess, _ := startSession(t, fake.addr(), staticKey("GOODKEY"))

	channels := waitEvent[engine.ChannelsListed](t, events)
	if channels.Channels[7] != "Rail Room" {
		t.Fatalf("channel names: %#v", channels.Channels)
	}

	ready := waitEvent[engine.SessionReady](t, events)
	if ready.OwnCLID != "1" || ready.ChannelID != 7 || ready.SchandlerID != 1 {
		t.Fatalf("ready: %+v", ready)
	}
	if ready.OwnUID != "BOT=" || ready.OwnNickname != "railbot" {
		t.Fatalf("own identity not taken from clientlist: %+v", ready)
	}

	roster := waitEvent[engine.RosterSynced](t, events)
	if len(roster.Clients) != 1 || roster.Clients[0].UID != "U1=" || roster.Clients[0].Nickname != "alice" {
		t.Fatalf("roster: %+v", roster.Clients)
	}

	waitFor(t, func() bool { return sess.Status().State == StateReady })
	if st := sess.Status(); !st.AuthOK {
		t.Fatalf("auth should be ok: %+v", st)
	}
}

func TestSessionRejectedKeyReportsAuthFailure(t *testing.T) {
	fake := startFakeClientQuery(t, "GOODKEY")
	events, sess, _ := startSession(t, fake.addr(), staticKey("badkey"))

	lost := waitEvent[engine.SessionLost](t, events)
	if lost.Err == nil {
		t.Fatal("expected an error on session loss")
	}

	waitFor(t, func() bool {
		st := sess.Status()
		return !st.AuthOK && st.LastError != ""
	})
	if st := sess.Status(); st.State == StateReady {
		t.Fatalf("must never reach ready with a bad key: %+v", st)
	}
}

func TestSessionMissingKeyFailsAuth(t *testing.T) {
	fake := startFakeClientQuery(t, "GOODKEY")
	events, sess, _ := startSession(t, fake.addr(), staticKey(""))

	waitEvent[engine.SessionLost](t, events)
	waitFor(t, func() bool { return !sess.Status().AuthOK && sess.Status().LastError != "" })
}

func TestSessionEmitsLossWhenLinkDrops(t *testing.T) {
	fake := startFakeClientQuery(t, "GOODKEY")
	events, _, _ := startSession(t, fake.addr(), staticKey("GOODKEY"))

	waitEvent[engine.SessionReady](t, events)
	waitEvent[engine.RosterSynced](t, events)

	// Drop every server-side connection; the session must report loss.
	fake.closeAll()
	waitEvent[engine.SessionLost](t, events)
}

func TestSessionForwardsNotificationsAsTypedEvents(t *testing.T) {
	fake := startFakeClientQuery(t, "GOODKEY")
	events, sess, _ := startSession(t, fake.addr(), staticKey("GOODKEY"))

	waitEvent[engine.RosterSynced](t, events)
	waitFor(t, func() bool { return sess.Status().State == StateReady })

	fake.notify(`notifycliententerview schandlerid=1 ctid=7 clid=3 ` +
		`client_unique_identifier=U2= client_nickname=Bob\sB`)
	enter := waitEvent[engine.ClientEntered](t, events)
	if enter.CLID != "3" || enter.UID != "U2=" || enter.Nickname != "Bob B" || enter.ChannelID != 7 {
		t.Fatalf("enter event: %+v", enter)
	}

	fake.notify(`notifytalkstatuschange schandlerid=1 status=1 clid=3`)
	talk := waitEvent[engine.TalkStatusChanged](t, events)
	if talk.CLID != "3" || !talk.Talking {
		t.Fatalf("talk event: %+v", talk)
	}

	fake.notify(`notifyclientmoved schandlerid=1 ctid=9 clid=3`)
	moved := waitEvent[engine.ClientMoved](t, events)
	if moved.CLID != "3" || moved.ChannelID != 9 {
		t.Fatalf("moved event: %+v", moved)
	}

	fake.notify(`notifyclientleftview schandlerid=1 clid=3`)
	left := waitEvent[engine.ClientLeft](t, events)
	if left.CLID != "3" {
		t.Fatalf("left event: %+v", left)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
