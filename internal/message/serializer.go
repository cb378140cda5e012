// Package message converts message records to and from internet mail
// messages carrying X-smssync-* headers.
package message

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/sms-backup/internal/model"
)

// Header names written on every serialized record.
const (
	HeaderID      = "X-smssync-id"
	HeaderDate    = "X-smssync-date"
	HeaderAddress = "X-smssync-address"
	HeaderType    = "X-smssync-type"
	HeaderThread  = "X-smssync-thread"
	HeaderRead    = "X-smssync-read"
	HeaderStatus  = "X-smssync-status"
	HeaderVersion = "X-smssync-version"
)

const (
	formatVersion    = "1"
	maxSubjectRunes  = 128
	defaultDomain    = "smssync.local"
	defaultPeerHost  = "unknown.email"
	unknownLocalPart = "unknown"
)

// Serializer turns records into RFC 5322 messages.
type Serializer struct {
	// Domain is the right-hand side of generated Message-IDs.
	Domain string

	// PeerDomain turns a phone number into a mail address.
	PeerDomain string

	// Location is used for the Date header. Nil means UTC.
	Location *time.Location
}

func (s *Serializer) domain() string {
	if s.Domain == "" {
		return defaultDomain
	}
	return s.Domain
}

func (s *Serializer) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// MessageID returns the Message-ID of rec without angle brackets. It
// depends only on the record id and timestamp.
func (s *Serializer) MessageID(rec model.Record) string {
	return fmt.Sprintf("%d.%d@%s", rec.ID, rec.Date, s.domain())
}

// PeerAddress returns the mail address standing in for the record's peer.
func (s *Serializer) PeerAddress(rec model.Record) *mail.Address {
	host := s.PeerDomain
	if host == "" {
		host = defaultPeerHost
	}
	return &mail.Address{
		Name:    rec.Address,
		Address: localPart(rec.Address) + "@" + host,
	}
}

// Sender returns the address the record was sent from: the peer for
// received messages and self for everything else.
func (s *Serializer) Sender(rec model.Record, self string) string {
	if rec.Type.Incoming() {
		return s.PeerAddress(rec).Address
	}
	return self
}

// localPart keeps the characters of a phone number or short code that are
// safe in an unquoted local part.
func localPart(addr string) string {
	var b strings.Builder
	for _, r := range addr {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r == '+' || r == '.' || r == '-' || r == '_':
			if b.Len() > 0 || r == '+' {
				b.WriteRune(r)
			}
		}
	}
	lp := strings.TrimRight(b.String(), ".")
	if lp == "" {
		return unknownLocalPart
	}
	return lp
}

// Subject returns the Subject line for rec: one line, at most 128 runes.
func Subject(rec model.Record) string {
	subject := "SMS with " + rec.Address
	subject = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, subject)

	if utf8.RuneCountInString(subject) > maxSubjectRunes {
		runes := []rune(subject)
		subject = string(runes[:maxSubjectRunes])
	}
	return strings.TrimSpace(subject)
}

// Serialize renders rec as a complete message. self is the user's own
// address, used as To for received messages and From for sent ones.
func (s *Serializer) Serialize(rec model.Record, self string) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("serializing: %w", err)
	}
	if self == "" {
		return nil, fmt.Errorf("serializing record %d: no user address", rec.ID)
	}
	if !utf8.ValidString(rec.Body) || !utf8.ValidString(rec.Address) {
		return nil, fmt.Errorf("serializing record %d: invalid UTF-8", rec.ID)
	}

	me := []*mail.Address{{Address: self}}
	peer := []*mail.Address{s.PeerAddress(rec)}

	var h mail.Header
	h.SetDate(rec.Time().In(s.location()))
	h.SetMessageID(s.MessageID(rec))
	h.SetSubject(Subject(rec))
	if rec.Type.Incoming() {
		h.SetAddressList("From", peer)
		h.SetAddressList("To", me)
	} else {
		h.SetAddressList("From", me)
		h.SetAddressList("To", peer)
	}

	h.Set(HeaderID, strconv.FormatInt(rec.ID, 10))
	h.Set(HeaderDate, strconv.FormatInt(rec.Date, 10))
	h.SetText(HeaderAddress, rec.Address)
	h.Set(HeaderType, strconv.Itoa(int(rec.Type)))
	h.Set(HeaderThread, strconv.FormatInt(rec.ThreadID, 10))
	h.Set(HeaderRead, boolString(rec.Read))
	h.Set(HeaderStatus, strconv.Itoa(rec.Status))
	h.Set(HeaderVersion, formatVersion)

	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", bodyEncoding(rec.Body))

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("serializing record %d: %w", rec.ID, err)
	}
	if _, err := io.WriteString(w, rec.Body); err != nil {
		return nil, fmt.Errorf("writing body of record %d: %w", rec.ID, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("writing body of record %d: %w", rec.ID, err)
	}

	return buf.Bytes(), nil
}

// bodyEncoding picks the transfer encoding of body. Quoted-printable
// turns every line break into CRLF, so bodies carrying a bare CR are
// sent as base64 to come back unchanged.
func bodyEncoding(body string) string {
	if strings.ContainsRune(body, '\r') {
		return "base64"
	}
	return "quoted-printable"
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
