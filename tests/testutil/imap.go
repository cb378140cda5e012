package testutil

import (
	"net"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

const (
	IMAPUser     = "me@example.com"
	IMAPPassword = "s3cret pass+word"
)

// NewIMAPServer starts an in-memory IMAP server on loopback and returns
// its address. The server accepts IMAPUser/IMAPPassword and is closed when
// the test completes.
func NewIMAPServer(t *testing.T) string {
	t.Helper()
	return NewIMAPServerWithPassword(t, IMAPPassword)
}

// NewIMAPServerWithPassword is NewIMAPServer with a different password
// for IMAPUser.
func NewIMAPServerWithPassword(t *testing.T, password string) string {
	t.Helper()

	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser(IMAPUser, password)
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("creating INBOX: %v", err)
	}
	memSrv.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memSrv.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

// dialIMAP logs a plain client into the test server.
func dialIMAP(t *testing.T, addr string) *imapclient.Client {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := imapclient.New(conn, nil)
	if err := c.Login(IMAPUser, IMAPPassword).Wait(); err != nil {
		c.Close()
		t.Fatalf("login: %v", err)
	}
	return c
}

// CreateMailbox creates a mailbox directly on the test server.
func CreateMailbox(t *testing.T, addr, name string) {
	t.Helper()

	c := dialIMAP(t, addr)
	defer c.Close()

	if err := c.Create(name, nil).Wait(); err != nil {
		t.Fatalf("creating mailbox %q: %v", name, err)
	}
}

// AppendRaw appends a raw RFC 5322 message to mailbox, bypassing the code
// under test.
func AppendRaw(t *testing.T, addr, mailbox string, raw []byte) {
	t.Helper()

	c := dialIMAP(t, addr)
	defer c.Close()

	cmd := c.Append(mailbox, int64(len(raw)), nil)
	if _, err := cmd.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatalf("appending to %q: %v", mailbox, err)
	}
}

// MailboxMessages returns the raw content of every message in mailbox, in
// sequence order. A missing mailbox yields nil.
func MailboxMessages(t *testing.T, addr, mailbox string) [][]byte {
	t.Helper()

	c := dialIMAP(t, addr)
	defer c.Close()

	data, err := c.Select(mailbox, nil).Wait()
	if err != nil {
		return nil
	}
	if data.NumMessages == 0 {
		return nil
	}

	var seq imap.SeqSet
	seq.AddRange(1, data.NumMessages)

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := c.Fetch(seq, &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		t.Fatalf("fetching %q: %v", mailbox, err)
	}

	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.FindBodySection(section))
	}
	return out
}
