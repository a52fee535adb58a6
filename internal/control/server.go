// Package control implements the local administrative command surface: a
// unix socket accepting one line-based request/response exchange per
// connection.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/h4rm0n1c/tsraild/internal/clientquery"
	"github.com/h4rm0n1c/tsraild/internal/engine"
	"github.com/h4rm0n1c/tsraild/internal/store"
)

const connDeadline = 10 * time.Second

// SessionControl is the slice of the session the control surface needs.
type SessionControl interface {
	Status() clientquery.SessionStatus
	Kick()
}

// Server owns the control socket listener.
type Server struct {
	path string
	eng  *engine.Engine
	sess SessionControl
	st   store.Store
	log  *zerolog.Logger

	ln net.Listener
}

// New builds a control server; Listen binds the socket.
func New(path string, eng *engine.Engine, sess SessionControl, st store.Store, logger *zerolog.Logger) *Server {
	return &Server{path: path, eng: eng, sess: sess, st: st, log: logger}
}

// Listen binds the unix socket, replacing a stale socket file from a
// previous run. The socket is owner-only.
func (s *Server) Listen() error {
	if info, err := os.Stat(s.path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not a unix socket: %s", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.ln = ln
	return nil
}

// Run accepts connections until ctx is cancelled. Listen must have been
// called first.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("control server not listening")
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		go s.handle(conn)
	}
}

// handle reads one command, writes one response, and closes. The
// connection is terminal on first response.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		s.log.Debug().Err(err).Str("conn_id", connID).Msg("control read failed")
		return
	}

	resp := s.dispatch(line)
	s.log.Debug().Str("conn_id", connID).Str("verb", firstWord(line)).
		Str("result", firstWord(resp)).Msg("control command")

	if _, err := conn.Write([]byte(resp)); err != nil {
		s.log.Debug().Err(err).Str("conn_id", connID).Msg("control write failed")
	}
}
