// SPDX-License-Identifier: GPL-3.0-or-later
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CrawX/go-imap-mailstream/mailstream"
	"github.com/CrawX/go-imap-mailstream/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	EmailsPath = "/ws/emails/"
	HealthPath = "/health"

	shutdownTimeout = 15 * time.Second
)

type Server struct {
	controller *mailstream.Controller
	files      http.Handler
	listenAddr string
	listenPort string
	upgrader   websocket.Upgrader
	sessions   sync.WaitGroup
	l          *logrus.Logger
}

// NewServer serves the mail stream and the stored attachments on listenAddr.
func NewServer(controller *mailstream.Controller, files http.Handler, listenAddr string, l *logrus.Logger) (*Server, error) {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}

	return &Server{
		controller: controller,
		files:      files,
		listenAddr: listenAddr,
		listenPort: port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		l: l,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EmailsPath, s.handleEmails)
	mux.Handle("/"+storage.AttachmentsDir+"/", s.files)
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves until ctx is done, then shuts down and waits for open sessions to stop.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.l.WithField("addr", s.listenAddr).Info("Listening")
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("could not serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.l.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("could not shut down: %w", err)
		}
		return s.waitForSessions(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) waitForSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sessions did not stop: %w", ctx.Err())
	}
}

func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	s.sessions.Add(1)
	defer s.sessions.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.WithField("error", err).Debug("Could not upgrade connection")
		return
	}

	ctx := r.Context()
	host, port := s.clientAddress(r)
	conn := newWsConn(ws)
	session := s.controller.NewSession(uuid.NewString(), conn, host, port)
	session.OnConnect()

	go conn.keepAlive(ctx)

	code := conn.readLoop(func(data []byte) {
		session.OnMessage(ctx, data)
	})
	session.OnDisconnect(code)
}

// clientAddress is the host and port the client used to reach us.
func (s *Server) clientAddress(r *http.Request) (string, string) {
	if len(r.Host) == 0 {
		return "localhost", s.listenPort
	}

	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		return strings.Trim(r.Host, "[]"), s.listenPort
	}
	return host, port
}
