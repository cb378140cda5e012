// Package mailbox opens IMAP sessions on the backup folder.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
)

// Default operation bounds.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCommandTimeout = 60 * time.Second
	DefaultAppendTimeout  = 60 * time.Second
	logoutTimeout         = 5 * time.Second
)

// Authentication mechanisms.
const (
	AuthLogin = "login"
	AuthPlain = "plain"
)

// Options configures a Dialer.
type Options struct {
	// Auth is AuthLogin (default) or AuthPlain.
	Auth string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	AppendTimeout  time.Duration

	// TLSConfig is cloned for each connection. ServerName and
	// InsecureSkipVerify are set from the URI.
	TLSConfig *tls.Config

	Logger zerolog.Logger
}

// Dialer opens sessions from IMAP URIs.
type Dialer struct {
	opts Options
	log  zerolog.Logger
}

// NewDialer returns a Dialer. Zero timeouts take the defaults.
func NewDialer(opts Options) *Dialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = DefaultAppendTimeout
	}
	if opts.Auth == "" {
		opts.Auth = AuthLogin
	}
	return &Dialer{
		opts: opts,
		log:  opts.Logger.With().Str("component", "mailbox").Logger(),
	}
}

func (d *Dialer) tlsConfig(ep Endpoint) *tls.Config {
	cfg := &tls.Config{}
	if d.opts.TLSConfig != nil {
		cfg = d.opts.TLSConfig.Clone()
	}
	cfg.ServerName = ep.Host
	cfg.InsecureSkipVerify = !ep.Security.verify()
	return cfg
}

// Open connects to the server named by uri and logs in. Rejected
// credentials yield an *AuthError; anything else is a transport or
// protocol failure.
func (d *Dialer) Open(ctx context.Context, uri string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ep, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	addr := ep.Addr()
	log := d.log.With().Str("addr", addr).Str("user", ep.User).Logger()

	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	copts := &imapclient.Options{TLSConfig: d.tlsConfig(ep)}
	if d.log.GetLevel() <= zerolog.TraceLevel {
		copts.DebugWriter = &protocolLog{log: log}
	}

	s := &Session{conn: conn, opts: d.opts, log: log}

	err = s.do(ctx, d.opts.ConnectTimeout, "opening session", func() error {
		switch {
		case ep.Security.implicitTLS():
			tconn := tls.Client(conn, copts.TLSConfig)
			if err := tconn.HandshakeContext(dialCtx); err != nil {
				return fmt.Errorf("tls handshake: %w", err)
			}
			s.c = imapclient.New(tconn, copts)
		case ep.Security.startTLS():
			c, err := imapclient.NewStartTLS(conn, copts)
			if err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
			s.c = c
		default:
			s.c = imapclient.New(conn, copts)
		}
		return s.c.WaitGreeting()
	})
	if err != nil {
		if s.c != nil {
			s.c.Close()
		}
		conn.Close()
		return nil, err
	}

	err = s.do(ctx, d.opts.ConnectTimeout, "logging in", func() error {
		if d.opts.Auth == AuthPlain {
			return s.c.Authenticate(sasl.NewPlainClient("", ep.User, ep.Password))
		}
		return s.c.Login(ep.User, ep.Password).Wait()
	})
	if err != nil {
		s.c.Close()
		if ctx.Err() == nil && isServerRejection(err) {
			log.Warn().Err(err).Msg("login rejected")
			return nil, &AuthError{User: ep.User, Err: err}
		}
		return nil, err
	}

	log.Debug().Msg("logged in")
	return s, nil
}

// Message is one message to append.
type Message struct {
	Raw  []byte
	Date time.Time
	Seen bool
}

// Fetched is a message or header block read from the folder.
type Fetched struct {
	UID uint32
	Raw []byte
}

// Session is a logged-in connection with at most one selected folder.
// It is not safe for concurrent use.
type Session struct {
	c      *imapclient.Client
	conn   net.Conn
	opts   Options
	log    zerolog.Logger
	folder string
	closed bool

	// aborted is set once the connection was closed under a pending
	// operation. The session is unusable afterwards.
	aborted atomic.Bool
}

// abort closes the connection, which fails every pending read and write
// of the client.
func (s *Session) abort() {
	if s.aborted.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

// do runs fn under timeout. The client resets read deadlines on every
// response, so an expired timeout or a canceled ctx closes the connection
// instead.
func (s *Session) do(
	ctx context.Context,
	timeout time.Duration,
	op string,
	fn func() error,
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if s.aborted.Load() {
		return fmt.Errorf("%s: %w", op, net.ErrClosed)
	}

	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			s.abort()
		})
	}
	stop := context.AfterFunc(ctx, s.abort)

	err := fn()

	stop()
	if timer != nil {
		timer.Stop()
	}

	if err == nil && !s.aborted.Load() {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if timedOut.Load() {
		return fmt.Errorf("%s: timed out after %s: %w", op, timeout, os.ErrDeadlineExceeded)
	}
	if err == nil {
		err = net.ErrClosed
	}
	return fmt.Errorf("%s: %w", op, err)
}

// EnsureFolder makes name the selected folder, creating it first if the
// server does not list it. A concurrent creation by another client is
// not an error.
func (s *Session) EnsureFolder(ctx context.Context, name string) error {
	return s.do(ctx, s.opts.CommandTimeout, "opening folder "+name, func() error {
		mailboxes, err := s.c.List("", name, nil).Collect()
		if err != nil {
			return fmt.Errorf("listing: %w", err)
		}

		found := false
		for _, mb := range mailboxes {
			if mb.Mailbox == name {
				found = true
				break
			}
		}

		if !found {
			s.log.Info().Str("folder", name).Msg("creating folder")
			if err := s.c.Create(name, nil).Wait(); err != nil && !isAlreadyExists(err) {
				return fmt.Errorf("creating: %w", err)
			}
		}

		data, err := s.c.Select(name, nil).Wait()
		if err != nil {
			return fmt.Errorf("selecting: %w", err)
		}

		s.folder = name
		s.log.Debug().Str("folder", name).Uint32("messages", data.NumMessages).Msg("folder selected")
		return nil
	})
}

// Count returns the number of messages in the selected folder.
func (s *Session) Count() uint32 {
	if mb := s.c.Mailbox(); mb != nil {
		return mb.NumMessages
	}
	return 0
}

// Append uploads msgs to the selected folder in order. It returns nil
// only after the server acknowledged every message. The whole batch
// shares one append timeout.
func (s *Session) Append(ctx context.Context, msgs []Message) error {
	if s.folder == "" {
		return errors.New("append: no folder selected")
	}

	return s.do(ctx, s.opts.AppendTimeout, "appending to "+s.folder, func() error {
		for i, m := range msgs {
			opts := &imap.AppendOptions{Time: m.Date}
			if m.Seen {
				opts.Flags = []imap.Flag{imap.FlagSeen}
			}

			cmd := s.c.Append(s.folder, int64(len(m.Raw)), opts)
			if _, err := cmd.Write(m.Raw); err != nil {
				cmd.Close()
				return fmt.Errorf("message %d: %w", i, err)
			}
			if err := cmd.Close(); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			if _, err := cmd.Wait(); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		}
		return nil
	})
}

// FetchHeaders returns the header block of every message in the selected
// folder, without setting \Seen.
func (s *Session) FetchHeaders(ctx context.Context) ([]Fetched, error) {
	n := s.Count()
	if n == 0 {
		return nil, nil
	}

	var seq imap.SeqSet
	seq.AddRange(1, n)

	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	return s.fetch(ctx, seq, section)
}

// FetchMessages returns the full content of the messages with the given
// UIDs.
func (s *Session) FetchMessages(ctx context.Context, uids []uint32) ([]Fetched, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	set := make([]imap.UID, len(uids))
	for i, u := range uids {
		set[i] = imap.UID(u)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	return s.fetch(ctx, imap.UIDSetNum(set...), section)
}

func (s *Session) fetch(
	ctx context.Context,
	set imap.NumSet,
	section *imap.FetchItemBodySection,
) ([]Fetched, error) {
	var out []Fetched
	err := s.do(ctx, s.opts.CommandTimeout, "fetching from "+s.folder, func() error {
		msgs, err := s.c.Fetch(set, &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return err
		}

		out = make([]Fetched, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, Fetched{
				UID: uint32(m.UID),
				Raw: m.FindBodySection(section),
			})
		}
		return nil
	})
	return out, err
}

// Close logs out and closes the connection. It is safe to call more than
// once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if !s.aborted.Load() {
		t := time.AfterFunc(logoutTimeout, s.abort)
		if err := s.c.Logout().Wait(); err != nil {
			s.log.Debug().Err(err).Msg("logout failed")
		}
		t.Stop()
	}

	err := s.c.Close()
	if s.aborted.Load() {
		return nil
	}
	// The server may already have dropped the connection after BYE.
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
