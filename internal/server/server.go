// Package server starts and gracefully stops the dev harness's HTTP
// listeners: one Server per listener, used for both the mesh-facing proxy
// listener and the /metrics listener.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"sidecarcapture/internal/limits"
)

const defaultGracefulTimeout = 10 * time.Second

type Server struct {
	Addr string

	httpServer   *http.Server
	ln           net.Listener
	graceful     time.Duration
	shutdownOnce sync.Once
	shutdownErr  error
}

// Start binds addr and begins serving handler in the background.
func Start(handler http.Handler, addr string) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}

	limitConfig := limits.Default()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	httpSrv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		ReadTimeout:       limitConfig.ReadTimeout,
		WriteTimeout:      limitConfig.WriteTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
	}
	go serve(httpSrv, ln)

	return &Server{
		Addr:       ln.Addr().String(),
		httpServer: httpSrv,
		ln:         ln,
		graceful:   defaultGracefulTimeout,
	}, nil
}

func serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server error: %v", err)
	}
}

func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.graceful)
		defer cancel()
		s.shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return s.shutdownErr
}
