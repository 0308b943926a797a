// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

//go:generate mockgen -destination=imap_mocks_test.go -package=imapconnection -source imap.go

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CrawX/go-imap-mailstream/domain"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap-compress"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// imapClient is the part of *client.Client a fetch needs.
type imapClient interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
	Terminate() error
}

// compressor is the part of *compress.Client needed to enable COMPRESS=DEFLATE.
type compressor interface {
	SupportCompress(mech string) (bool, error)
	Compress(mech string) error
}

type dialFunc func(addr, serverName string) (imapClient, error)

// compressorFunc returns the compression extension for c, false if c cannot be compressed.
type compressorFunc func(c imapClient) (compressor, bool)

// Fetcher opens one imap session per fetch. The server is derived from the account's mail domain.
type Fetcher struct {
	config     *configuration
	dial       dialFunc
	compressor compressorFunc
	l          *logrus.Logger
}

var _ domain.Fetcher = &Fetcher{}

func NewFetcher(l *logrus.Logger, configs ...ConfigFunc) (*Fetcher, error) {
	cfg := defaultConfiguration()
	for _, c := range configs {
		err := c(cfg)
		if err != nil {
			return nil, fmt.Errorf("could not configure imap fetcher: %w", err)
		}
	}

	f := &Fetcher{
		config:     cfg,
		compressor: newCompressor,
		l:          l,
	}
	f.dial = f.dialServer
	return f, nil
}

// ServerFor returns the host:port to dial for email and the name to verify the server certificate
// against.
func (f *Fetcher) ServerFor(email string) (string, string, error) {
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return "", "", fmt.Errorf("no mail domain in %q: %w", email, domain.ErrValidation)
	}
	mailDomain := strings.ToLower(email[idx+1:])

	if server, ok := f.config.Servers[mailDomain]; ok {
		host, _, err := net.SplitHostPort(server)
		if err != nil {
			return "", "", fmt.Errorf("invalid server %q: %w", server, domain.ErrValidation)
		}
		return server, host, nil
	}

	host := "imap." + mailDomain
	return net.JoinHostPort(host, strconv.Itoa(f.config.DefaultPort)), host, nil
}

// ConnectAndList logs in to the server of account, selects the configured mailbox read-only and
// lists the uids of all mails in it. The caller owns the returned session and has to close it.
func (f *Fetcher) ConnectAndList(ctx context.Context, account *domain.Account) (domain.MailSession, int, []uint32, error) {
	addr, serverName, err := f.ServerFor(account.Email)
	if err != nil {
		return nil, 0, nil, err
	}

	l := f.l.WithFields(logrus.Fields{"server": addr, "email": account.Email})

	c, err := f.dialWithTimeout(ctx, addr, serverName)
	if err != nil {
		return nil, 0, nil, err
	}

	session := &ImapSession{
		client:  c,
		timeout: f.config.Timeout,
		l:       l,
	}

	uids, err := f.open(ctx, session, account)
	if err != nil {
		_ = session.Close()
		return nil, 0, nil, err
	}

	l.WithFields(logrus.Fields{"mailbox": f.config.Mailbox, "count": len(uids)}).Info("Listed mails")
	return session, len(uids), uids, nil
}

func (f *Fetcher) open(ctx context.Context, session *ImapSession, account *domain.Account) ([]uint32, error) {
	err := session.call(ctx, "login", func() error {
		return session.client.Login(account.Email, account.Password)
	})
	if err != nil {
		if errors.Is(err, domain.ErrProtocol) {
			return nil, fmt.Errorf("login as %s rejected: %w: %w", account.Email, domain.ErrCredentials, err)
		}
		return nil, err
	}
	session.l.Debug("Logged in to server")

	err = f.enableCompression(ctx, session)
	if err != nil {
		return nil, err
	}

	err = session.call(ctx, "select mailbox", func() error {
		_, err := session.client.Select(f.config.Mailbox, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	var uids []uint32
	err = session.call(ctx, "list mails", func() error {
		// Get all UIDs in folder (empty search criteria)
		ids, err := session.client.UidSearch(imap.NewSearchCriteria())
		if err == nil {
			uids = ids
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return uids, nil
}

func (f *Fetcher) enableCompression(ctx context.Context, session *ImapSession) error {
	if !f.config.Compress {
		return nil
	}
	compressClient, ok := f.compressor(session.client)
	if !ok {
		return nil
	}

	supported := false
	err := session.call(ctx, "enable compression", func() error {
		var err error
		supported, err = compressClient.SupportCompress(compress.Deflate)
		if err != nil || !supported {
			return err
		}
		return compressClient.Compress(compress.Deflate)
	})
	if err != nil {
		return err
	}

	if supported {
		session.l.Debug("COMPRESS=DEFLATE enabled")
	} else {
		session.l.Info("COMPRESS=DEFLATE not supported on server, continuing uncompressed")
	}
	return nil
}

func newCompressor(c imapClient) (compressor, bool) {
	cc, ok := c.(*client.Client)
	if !ok {
		return nil, false
	}
	return compress.NewClient(cc), true
}

func (f *Fetcher) dialWithTimeout(ctx context.Context, addr, serverName string) (imapClient, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	type dialResult struct {
		c   imapClient
		err error
	}
	done := make(chan dialResult, 1)
	go func() {
		c, err := f.dial(addr, serverName)
		done <- dialResult{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify("dial to imap", r.err)
		}
		return r.c, nil
	case <-ctx.Done():
		// a connection that shows up late is not wanted anymore
		go func() {
			r := <-done
			if r.c != nil {
				_ = r.c.Terminate()
			}
		}()
		return nil, abandoned(ctx, "dial to imap", f.config.Timeout)
	}
}

func (f *Fetcher) dialServer(addr, serverName string) (imapClient, error) {
	dialer := &net.Dialer{Timeout: f.config.Timeout}
	tlsConfig := &tls.Config{ServerName: serverName}

	if !f.config.StartTLS {
		c, err := client.DialWithDialerTLS(dialer, addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, addr)
	if err != nil {
		return nil, err
	}
	err = c.StartTLS(tlsConfig)
	if err != nil {
		_ = c.Terminate()
		return nil, fmt.Errorf("could not start tls: %w", err)
	}
	return c, nil
}

// ImapSession is a logged in connection with a selected mailbox. Each call is bounded by the
// configured timeout; a call that is given up on terminates the connection.
type ImapSession struct {
	client  imapClient
	timeout time.Duration
	l       *logrus.Entry

	abandoned atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ domain.MailSession = &ImapSession{}

// Retrieve fetches the full body and the internal date of the mail with uid without setting the
// \Seen flag.
func (s *ImapSession) Retrieve(ctx context.Context, uid uint32) (*domain.RawMail, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uid)

	fullBodySection := &imap.BodySectionName{
		Peek: true,
	}
	fetchItems := []imap.FetchItem{fullBodySection.FetchItem(), imap.FetchInternalDate, imap.FetchUid}

	var raw *domain.RawMail
	err := s.call(ctx, "fetch mail", func() error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- s.client.UidFetch(seqset, fetchItems, messages)
		}()

		var readErr error
		for msg := range messages {
			r := msg.GetBody(fullBodySection)
			if r == nil || readErr != nil {
				continue
			}
			body, err := io.ReadAll(r)
			if err != nil {
				readErr = fmt.Errorf("could not read mail body: %w", err)
				continue
			}
			raw = &domain.RawMail{
				Uid:          msg.Uid,
				InternalDate: msg.InternalDate,
				Body:         body,
			}
		}

		err := <-done
		if err != nil {
			return err
		}
		return readErr
	})
	if err != nil {
		return nil, err
	}

	if raw == nil {
		return nil, fmt.Errorf("mail with uid %d not returned by server: %w", uid, domain.ErrProtocol)
	}
	if raw.Uid == 0 {
		raw.Uid = uid
	}

	s.l.WithFields(logrus.Fields{"uid": uid, "size": len(raw.Body)}).Debug("Fetched mail")
	return raw, nil
}

// Close logs out, or only drops the connection if a call on it was abandoned. It is safe to call
// more than once.
func (s *ImapSession) Close() error {
	s.closeOnce.Do(func() {
		if s.abandoned.Load() {
			s.closeErr = s.client.Terminate()
			s.l.Debug("Terminated connection")
			return
		}

		done := make(chan error, 1)
		go func() {
			done <- s.client.Logout()
		}()

		select {
		case err := <-done:
			s.closeErr = err
		case <-time.After(s.timeout):
			_ = s.client.Terminate()
			s.closeErr = fmt.Errorf("logout timed out after %s: %w", s.timeout, domain.ErrTimeout)
		}
		s.l.Debug("Logged out")
	})

	return s.closeErr
}

// call runs fn, which must only use the session's client, and gives up on it when ctx is done or
// the session timeout passes.
func (s *ImapSession) call(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return classify(op, err)
		}
		return nil
	case <-ctx.Done():
		s.abandoned.Store(true)
		_ = s.Close()
		return abandoned(ctx, op, s.timeout)
	}
}

func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("could not %s: %w: %w", op, domain.ErrTimeout, err)
	}
	return fmt.Errorf("could not %s: %w: %w", op, domain.ErrProtocol, err)
}

func abandoned(ctx context.Context, op string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("could not %s within %s: %w", op, timeout, domain.ErrTimeout)
	}
	return fmt.Errorf("could not %s: %w", op, ctx.Err())
}
