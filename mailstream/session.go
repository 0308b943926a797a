// SPDX-License-Identifier: GPL-3.0-or-later
package mailstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CrawX/go-imap-mailstream/domain"
	"github.com/CrawX/go-imap-mailstream/mail"
	"github.com/CrawX/go-imap-mailstream/task"

	"github.com/sirupsen/logrus"
)

const (
	ActionFetch = "fetch"
	ActionClose = "close"

	// CloseNormal is the websocket close code used when the session ends the connection.
	CloseNormal = 1000

	TimeoutMessage = "Timed out while talking to the mail server"
)

// Conn is the client side of a session. Send must be safe for concurrent use.
type Conn interface {
	Send(event domain.Event) error
	Close(code int) error
}

type State int

const (
	StateIdle State = iota
	StateAwaitingTotal
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTotal:
		return "awaiting_total"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type command struct {
	Action string `json:"action"`
	Email  string `json:"email"`
}

// Session handles the commands of one client connection. At most one fetch runs at a time.
type Session struct {
	id         string
	controller *Controller
	conn       Conn
	host, port string
	l          *logrus.Entry

	mu         sync.Mutex
	state      State
	generation int
	// fetches not stopped yet, a finished fetch may still be logging out
	fetches []*task.Task
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) OnConnect() {
	s.l.WithFields(logrus.Fields{"host": s.host, "port": s.port}).Info("Client connected")
}

// OnMessage handles one command. ctx bounds a fetch started by the command.
func (s *Session) OnMessage(ctx context.Context, raw []byte) {
	if s.State() == StateClosed {
		return
	}

	cmd := command{}
	err := json.Unmarshal(raw, &cmd)
	if err != nil {
		s.l.WithField("error", err).Debug("Invalid command")
		s.sendError(fmt.Sprintf("invalid command: %v", err))
		return
	}

	switch cmd.Action {
	case ActionClose:
		s.shutdown("Client closed session")
	case ActionFetch:
		s.startFetch(ctx, strings.TrimSpace(cmd.Email))
	default:
		s.sendError(fmt.Sprintf("unsupported action: %s", cmd.Action))
	}
}

// OnDisconnect stops a running fetch and waits for it before closing the connection.
func (s *Session) OnDisconnect(code int) {
	s.shutdown(fmt.Sprintf("Client disconnected with code %d", code))
}

// Wait blocks until all fetches of the session have stopped.
func (s *Session) Wait(timeout time.Duration) error {
	return waitAll(s.runningFetches(), timeout)
}

func (s *Session) runningFetches() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneFetches()
	return append([]*task.Task{}, s.fetches...)
}

// pruneFetches drops stopped fetches. s.mu must be held.
func (s *Session) pruneFetches() {
	running := s.fetches[:0]
	for _, t := range s.fetches {
		if t.Running() {
			running = append(running, t)
		}
	}
	s.fetches = running
}

func waitAll(tasks []*task.Task, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, t := range tasks {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("%s: %w", t.Name(), task.ErrWaitTimeout)
			}
		}

		err := t.Wait(remaining)
		if errors.Is(err, task.ErrWaitTimeout) {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return nil
}

func (s *Session) shutdown(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.l.Info(reason)

	fetches := s.runningFetches()
	for _, t := range fetches {
		t.Cancel()
	}
	err := waitAll(fetches, s.controller.stopTimeout)
	if err != nil {
		s.l.WithField("error", err).Warn("Fetch did not stop in time")
	}

	err = s.conn.Close(CloseNormal)
	if err != nil {
		s.l.WithField("error", err).Debug("Could not close connection")
	}
}

func (s *Session) startFetch(ctx context.Context, email string) {
	if len(email) == 0 {
		s.sendError("email is required")
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state == StateAwaitingTotal || s.state == StateStreaming {
		s.mu.Unlock()
		s.sendError("a fetch is already in progress")
		return
	}

	s.state = StateAwaitingTotal
	s.generation++
	generation := s.generation
	l := s.l.WithFields(logrus.Fields{"email": email, "fetch": generation})
	s.pruneFetches()
	s.fetches = append(s.fetches, task.Start(ctx, "fetch "+email, func(ctx context.Context) error {
		mailSession, err := s.runFetch(ctx, generation, email, l)
		// the session takes new fetches while this one logs out
		s.finishFetch(generation, err, l)
		if mailSession != nil {
			closeErr := mailSession.Close()
			if closeErr != nil {
				l.WithField("error", closeErr).Debug("Could not close imap session")
			}
		}
		return err
	}))
	s.mu.Unlock()
}

// runFetch streams the mails of email. The returned imap session is still open and has to be closed
// by the caller, also when an error is returned.
func (s *Session) runFetch(ctx context.Context, generation int, email string, l *logrus.Entry) (domain.MailSession, error) {
	account, err := s.controller.accounts.FindAccountByEmail(ctx, email)
	if err != nil {
		return nil, s.reportFailure(ctx, fmt.Errorf("could not look up account: %w", err), l)
	}
	if account == nil {
		s.sendError("email account not found")
		return nil, fmt.Errorf("account %s: %w", email, domain.ErrNotFound)
	}

	mailSession, total, uids, err := s.controller.fetcher.ConnectAndList(ctx, account)
	if err != nil {
		return nil, s.reportFailure(ctx, err, l)
	}

	if err := ctx.Err(); err != nil {
		return mailSession, err
	}

	s.setState(generation, StateStreaming)
	l.WithField("total", total).Info("Streaming mails")
	err = s.send(ctx, domain.NewTotalEmailsEvent(total))
	if err != nil {
		return mailSession, err
	}

	// newest first
	for i := len(uids) - 1; i >= 0; i-- {
		err = s.streamMail(ctx, mailSession, account, uids[i], l)
		if err != nil {
			return mailSession, err
		}
	}

	return mailSession, nil
}

func (s *Session) streamMail(ctx context.Context, mailSession domain.MailSession, account *domain.Account, uid uint32, l *logrus.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := mailSession.Retrieve(ctx, uid)
	if err != nil {
		return fmt.Errorf("could not retrieve mail %d: %w", uid, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	parsed, err := mail.Parse(raw.Body, raw.InternalDate)
	if err != nil {
		return fmt.Errorf("could not parse mail %d: %w", uid, err)
	}

	// a mail that is being archived is archived completely
	message, links, err := s.controller.archiver.Save(context.WithoutCancel(ctx), parsed, parsed.Attachments, account, s.host, s.port)
	if err != nil {
		return fmt.Errorf("could not archive mail %d: %w", uid, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.WithFields(logrus.Fields{"uid": uid, "subject": mail.ShortSubject(message.Subject)}).Debug("Streaming mail")
	return s.send(ctx, domain.NewNewEmailEvent(message, links))
}

// reportFailure sends an error event for a failure that happened before the total was reported.
func (s *Session) reportFailure(ctx context.Context, err error, l *logrus.Entry) error {
	if ctx.Err() != nil {
		return err
	}

	if errors.Is(err, domain.ErrTimeout) {
		l.WithField("error", err).Warn("Timed out talking to the mail server")
		s.sendError(TimeoutMessage)
		return err
	}

	s.sendError(err.Error())
	return err
}

func (s *Session) finishFetch(generation int, err error, l *logrus.Entry) {
	s.setState(generation, StateIdle)

	switch {
	case err == nil:
		l.Info("Fetch complete")
	case errors.Is(err, context.Canceled):
		l.Info("Fetch cancelled")
	case errors.Is(err, domain.ErrNotFound):
		l.Info("Fetch for unknown account")
	default:
		l.WithField("error", err).Error("Fetch failed")
	}
}

// setState moves the session to state unless it is closed or a newer fetch has started.
func (s *Session) setState(generation int, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed && s.generation == generation {
		s.state = state
	}
}

// send delivers event unless the session was closed or ctx is done.
func (s *Session) send(ctx context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.conn.Send(event)
	if err != nil {
		return fmt.Errorf("could not send %s event: %w", event.EventType(), err)
	}
	return nil
}

func (s *Session) sendError(message string) {
	err := s.send(context.Background(), domain.NewErrorEvent(message))
	if err != nil && !errors.Is(err, context.Canceled) {
		s.l.WithField("error", err).Warn("Could not send error event")
	}
}
