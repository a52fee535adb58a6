// Package app wires the store, engine, session, and local surfaces into a
// running daemon.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/h4rm0n1c/tsraild/internal/clientquery"
	"github.com/h4rm0n1c/tsraild/internal/config"
	"github.com/h4rm0n1c/tsraild/internal/control"
	"github.com/h4rm0n1c/tsraild/internal/engine"
	"github.com/h4rm0n1c/tsraild/internal/store/jsonfile"
	"github.com/h4rm0n1c/tsraild/internal/transport/httpapi"
)

const shutdownTimeout = 5 * time.Second

// App owns every long-running component of the daemon.
type App struct {
	cfg     config.Config
	log     *zerolog.Logger
	eng     *engine.Engine
	sess    *clientquery.Session
	control *control.Server
	httpSrv *http.Server
}

// New constructs the application with the provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st := jsonfile.New(cfg.ConfigDir)

	events := make(chan engine.Event, 128)

	sess := clientquery.NewSession(clientquery.SessionConfig{
		Addr:           cfg.ClientQueryAddr,
		CommandTimeout: cfg.CommandTimeout,
		ReconnectMin:   cfg.ReconnectMin,
		ReconnectMax:   cfg.ReconnectMax,
	}, st, events, logger)

	eng, err := engine.New(st, sess, engine.DirResolver{Dir: cfg.AssetsDir}, events, engine.Options{
		DebounceWindow: cfg.DebounceWindow,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}

	return &App{
		cfg:     cfg,
		log:     logger,
		eng:     eng,
		sess:    sess,
		control: control.New(cfg.ControlSocket, eng, sess, st, logger),
		httpSrv: httpapi.NewServer(cfg.HTTPAddr, eng, logger),
	}, nil
}

// Run starts every component and blocks until ctx cancellation or a fatal
// listener error.
func (a *App) Run(ctx context.Context) error {
	if err := a.control.Listen(); err != nil {
		return err
	}
	a.log.Info().Str("socket", a.cfg.ControlSocket).Msg("control socket listening")

	go a.eng.Run(ctx)
	go a.sess.Run(ctx)

	// Only genuine failures land here; clean shutdown goes through ctx so
	// the HTTP server always gets its graceful stop.
	fatal := make(chan error, 2)
	go func() {
		if err := a.control.Run(ctx); err != nil {
			fatal <- err
		}
	}()
	go func() {
		a.log.Info().Str("addr", a.cfg.HTTPAddr).Msg("http api listening")
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal <- err
		}
	}()

	select {
	case err := <-fatal:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down")
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
