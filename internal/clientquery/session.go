package clientquery

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/h4rm0n1c/tsraild/internal/engine"
)

// State is the session lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// KeySource provides the ClientQuery API key. It is re-read on every
// connect attempt so key rotation takes effect without a restart.
type KeySource interface {
	ReadKey() (string, error)
}

// SessionConfig controls dialing, per-command deadlines, and reconnect
// backoff bounds.
type SessionConfig struct {
	Addr           string
	CommandTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// SessionStatus is a point-in-time view of the session for status output.
type SessionStatus struct {
	State     State
	AuthOK    bool
	LastError string
}

var errRestartRequested = errors.New("restart requested")

// Session owns the transport, correlator, and notification dispatch for one
// ClientQuery connection, plus the reconnect/backoff lifecycle around it.
// Typed events flow to the engine through the events channel.
type Session struct {
	cfg    SessionConfig
	keys   KeySource
	events chan<- engine.Event
	log    *zerolog.Logger

	kick chan struct{}

	mu      sync.Mutex
	conn    *Conn
	state   State
	authOK  bool
	lastErr string
}

// NewSession builds a session supervisor. Run must be called to connect.
func NewSession(cfg SessionConfig, keys KeySource, events chan<- engine.Event, logger *zerolog.Logger) *Session {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 15 * time.Second
	}
	return &Session{
		cfg:    cfg,
		keys:   keys,
		events: events,
		log:    logger,
		kick:   make(chan struct{}, 1),
	}
}

// Status reports the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{State: s.state, AuthOK: s.authOK, LastError: s.lastErr}
}

// Kick forces the current connection down so the supervisor reconnects
// immediately, re-reading the API key. Used after setkey.
func (s *Session) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Send relays one command over the live connection, or fails with a
// LinkError when disconnected.
func (s *Session) Send(ctx context.Context, cmd string) (Response, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return Response{}, &LinkError{Err: errors.New("not connected")}
	}
	return conn.Send(ctx, cmd)
}

// MuteClient issues a clientmute for the given volatile handle.
func (s *Session) MuteClient(clid string) error {
	return s.simpleCommand("clientmute clid=" + Escape(clid))
}

// UnmuteClient issues a clientunmute for the given volatile handle.
func (s *Session) UnmuteClient(clid string) error {
	return s.simpleCommand("clientunmute clid=" + Escape(clid))
}

func (s *Session) simpleCommand(cmd string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	defer cancel()
	_, err := s.Send(ctx, cmd)
	return err
}

// Run drives the connect/auth/resync cycle until ctx is cancelled,
// reconnecting with capped exponential backoff plus jitter.
func (s *Session) Run(ctx context.Context) {
	backoff := s.cfg.ReconnectMin
	for {
		reachedReady, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected, "")
			return
		}
		if err != nil && !errors.Is(err, errRestartRequested) {
			s.noteError(err)
			s.log.Warn().Err(err).Msg("session ended")
		}
		s.setState(StateDisconnected, "")
		s.emit(ctx, engine.SessionLost{Err: err})

		if reachedReady {
			backoff = s.cfg.ReconnectMin
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		if backoff < s.cfg.ReconnectMax {
			backoff *= 2
			if backoff > s.cfg.ReconnectMax {
				backoff = s.cfg.ReconnectMax
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			backoff = s.cfg.ReconnectMin
		case <-time.After(delay):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) (reachedReady bool, err error) {
	s.transition(StateConnecting)

	d := net.Dialer{Timeout: s.cfg.CommandTimeout}
	nc, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return false, &LinkError{Err: err}
	}

	conn := NewConn(nc, s.log)
	defer conn.Close()
	s.setConn(conn)
	defer s.setConn(nil)

	s.transition(StateAuthenticating)
	if err := s.authenticate(ctx, conn); err != nil {
		return false, err
	}

	ident, err := s.register(ctx, conn)
	if err != nil {
		return false, err
	}
	if err := s.resync(ctx, conn, ident); err != nil {
		return false, err
	}
	s.transition(StateReady)
	s.log.Info().Int("schandlerid", ident.schandlerID).Str("clid", ident.ownCLID).Msg("session ready")

	// The pump converts notification lines into typed events without ever
	// issuing a command, so the read loop cannot deadlock behind a resync.
	resyncCh := make(chan struct{}, 1)
	go s.notifyPump(ctx, conn, resyncCh)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-s.kick:
			return true, errRestartRequested
		case <-conn.Done():
			return true, &LinkError{Err: conn.Err()}
		case <-resyncCh:
			ident, err := s.register(ctx, conn)
			if err != nil {
				return true, err
			}
			if err := s.resync(ctx, conn, ident); err != nil {
				return true, err
			}
		}
	}
}

func (s *Session) authenticate(ctx context.Context, conn *Conn) error {
	key, err := s.keys.ReadKey()
	if err != nil {
		return &AuthError{Reason: "api key unreadable: " + err.Error()}
	}
	if key == "" {
		return &AuthError{Reason: "no api key configured"}
	}

	_, err = s.command(ctx, conn, "auth apikey="+Escape(key))
	var qe *QueryError
	if errors.As(err, &qe) {
		reason := qe.Msg
		if reason == "" {
			reason = "api key rejected"
		}
		return &AuthError{Reason: reason}
	}
	if err != nil {
		return err
	}
	s.setAuthOK(true)
	return nil
}

type identity struct {
	schandlerID int
	ownCLID     string
	channelID   int
}

// register resolves identity, selects the server handler, and subscribes
// to notifications. Registrations are redone after every reconnect and
// server-handler change.
func (s *Session) register(ctx context.Context, conn *Conn) (identity, error) {
	ident := identity{schandlerID: 1}

	resp, err := s.command(ctx, conn, "whoami")
	if err != nil {
		return ident, err
	}
	if kv := resp.First(); kv != nil {
		if v, ok := kv["schandlerid"]; ok {
			ident.schandlerID = atoiOr(v, 1)
		}
		ident.ownCLID = kv["clid"]
		ident.channelID = atoiOr(kv["cid"], 0)
	}

	if _, err := s.command(ctx, conn, "use schandlerid="+strconv.Itoa(ident.schandlerID)); err != nil && !isQueryError(err) {
		return ident, err
	}
	if _, err := s.command(ctx, conn, "clientnotifyregister schandlerid="+strconv.Itoa(ident.schandlerID)+" event=any"); err != nil && !isQueryError(err) {
		return ident, err
	}
	if _, err := s.command(ctx, conn, "servernotifyregister event=any"); err != nil && !isQueryError(err) {
		s.log.Debug().Err(err).Msg("servernotifyregister failed")
		return ident, err
	}
	return ident, nil
}

// resync rebuilds the engine's channel cache and roster from full listings.
func (s *Session) resync(ctx context.Context, conn *Conn, ident identity) error {
	channels := make(map[int]string)
	if resp, err := s.command(ctx, conn, "channellist"); err == nil {
		for _, rec := range resp.Records() {
			cid := atoiOr(rec["cid"], 0)
			name, ok := rec["channel_name"]
			if cid == 0 || !ok {
				continue
			}
			channels[cid] = name
		}
	} else if !isQueryError(err) {
		return err
	}

	resp, err := s.command(ctx, conn, "clientlist -voice -uid")
	if err != nil && !isQueryError(err) {
		return err
	}

	own := engine.SessionReady{
		SchandlerID: ident.schandlerID,
		OwnCLID:     ident.ownCLID,
		ChannelID:   ident.channelID,
	}
	var roster []engine.PresentClient
	for _, rec := range resp.Records() {
		clid := rec["clid"]
		if clid == "" {
			continue
		}
		uid := rec["client_unique_identifier"]
		nickname := rec["client_nickname"]
		cid := atoiOr(rec["cid"], 0)
		if clid == ident.ownCLID {
			own.OwnUID = uid
			own.OwnNickname = nickname
			own.ChannelID = cid
			continue
		}
		roster = append(roster, engine.PresentClient{
			CLID:      clid,
			UID:       uid,
			Nickname:  nickname,
			ChannelID: cid,
		})
	}

	s.emit(ctx, engine.ChannelsListed{Channels: channels})
	s.emit(ctx, own)
	s.emit(ctx, engine.RosterSynced{Clients: roster})
	return nil
}

// notifyPump converts notification lines into typed engine events. Server
// connection changes are coalesced onto resyncCh for the supervisor loop,
// which owns all command traffic.
func (s *Session) notifyPump(ctx context.Context, conn *Conn, resyncCh chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case line := <-conn.Notifications():
			s.handleNotification(ctx, line, resyncCh)
		}
	}
}

func (s *Session) handleNotification(ctx context.Context, line string, resyncCh chan<- struct{}) {
	event, _, _ := strings.Cut(line, " ")
	kv := ParseKV(line)

	switch {
	case strings.HasPrefix(event, "notifycliententerview"):
		cid := kv["ctid"]
		if cid == "" {
			cid = kv["cid"]
		}
		s.emit(ctx, engine.ClientEntered{
			CLID:      kv["clid"],
			UID:       kv["client_unique_identifier"],
			Nickname:  kv["client_nickname"],
			ChannelID: atoiOr(cid, 0),
		})
	case strings.HasPrefix(event, "notifyclientleftview"):
		s.emit(ctx, engine.ClientLeft{CLID: kv["clid"]})
	case strings.HasPrefix(event, "notifyclientmoved"):
		cid := kv["ctid"]
		if cid == "" {
			cid = kv["cid"]
		}
		s.emit(ctx, engine.ClientMoved{CLID: kv["clid"], ChannelID: atoiOr(cid, 0)})
	case strings.HasPrefix(event, "notifytalkstatuschange"):
		s.emit(ctx, engine.TalkStatusChanged{CLID: kv["clid"], Talking: kv["status"] == "1"})
	case strings.HasPrefix(event, "notifyclientupdated"):
		if nickname, ok := kv["client_nickname"]; ok {
			s.emit(ctx, engine.NicknameChanged{CLID: kv["clid"], Nickname: nickname})
		}
	case strings.HasPrefix(event, "notifyconnectstatuschange"):
		if v, ok := kv["schandlerid"]; ok {
			s.emit(ctx, engine.HandlerChanged{SchandlerID: atoiOr(v, 1)})
		}
		if st := kv["status"]; st == "0" || st == "disconnected" {
			return
		}
		requestResync(resyncCh)
	case strings.HasPrefix(event, "notifycurrentserverconnectionchanged"):
		if v, ok := kv["schandlerid"]; ok {
			s.emit(ctx, engine.HandlerChanged{SchandlerID: atoiOr(v, 1)})
		}
		requestResync(resyncCh)
	default:
		s.log.Debug().Str("event", event).Msg("unhandled notification")
	}
}

func requestResync(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Session) command(ctx context.Context, conn *Conn, cmd string) (Response, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	return conn.Send(cctx, cmd)
}

func (s *Session) emit(ctx context.Context, ev engine.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) setConn(conn *Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) transition(state State) {
	s.mu.Lock()
	s.state = state
	if state == StateReady {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

func (s *Session) setState(state State, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	}
	s.mu.Unlock()
}

func (s *Session) setAuthOK(ok bool) {
	s.mu.Lock()
	s.authOK = ok
	s.mu.Unlock()
}

func (s *Session) noteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err.Error()
	var ae *AuthError
	if errors.As(err, &ae) {
		s.authOK = false
	}
}

func isQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
