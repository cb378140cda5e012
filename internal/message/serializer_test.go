package message

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/go-cmp/cmp"

	"github.com/nhle/sms-backup/internal/model"
)

const self = "me@example.com"

func readHeader(t *testing.T, raw []byte) *mail.Header {
	t.Helper()

	e, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("reading message: %v", err)
	}
	return &mail.Header{Header: e.Header}
}

func TestSerializeHeaders(t *testing.T) {
	s := &Serializer{}
	rec := model.Record{
		ID: 1, ThreadID: 3, Address: "+15551234567", Date: 100,
		Type: model.TypeInbox, Body: "a", Status: -1,
	}

	raw, err := s.Serialize(rec, self)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	h := readHeader(t, raw)

	if got := h.Get("Message-Id"); got != "<1.100@smssync.local>" {
		t.Errorf("Message-Id = %q", got)
	}

	from, err := h.AddressList("From")
	if err != nil || len(from) != 1 {
		t.Fatalf("From = %v, %v", from, err)
	}
	if from[0].Address != "+15551234567@unknown.email" || from[0].Name != "+15551234567" {
		t.Errorf("From = %+v", from[0])
	}
	to, err := h.AddressList("To")
	if err != nil || len(to) != 1 || to[0].Address != self {
		t.Errorf("To = %v, %v", to, err)
	}

	subject, err := h.Subject()
	if err != nil || subject != "SMS with +15551234567" {
		t.Errorf("Subject = %q, %v", subject, err)
	}

	date, err := h.Date()
	// The Date header has second precision.
	if err != nil || !date.Equal(time.Unix(0, 0)) {
		t.Errorf("Date = %v, %v", date, err)
	}

	want := map[string]string{
		HeaderID:      "1",
		HeaderDate:    "100",
		HeaderAddress: "+15551234567",
		HeaderType:    "1",
		HeaderThread:  "3",
		HeaderRead:    "0",
		HeaderVersion: "1",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestSerializeDirectionByType(t *testing.T) {
	s := &Serializer{PeerDomain: "sms.example.org"}

	for _, typ := range []model.RecordType{
		model.TypeSent, model.TypeOutbox, model.TypeFailed, model.TypeQueued,
	} {
		raw, err := s.Serialize(model.Record{ID: 2, Address: "555", Date: 1, Type: typ}, self)
		if err != nil {
			t.Fatalf("%v: Serialize: %v", typ, err)
		}
		h := readHeader(t, raw)

		from, _ := h.AddressList("From")
		to, _ := h.AddressList("To")
		if len(from) != 1 || from[0].Address != self {
			t.Errorf("%v: From = %v, want user", typ, from)
		}
		if len(to) != 1 || to[0].Address != "555@sms.example.org" {
			t.Errorf("%v: To = %v, want peer", typ, to)
		}
	}
}

func TestMessageIDIsStable(t *testing.T) {
	s := &Serializer{Domain: "backup.example.com"}
	rec := model.Record{ID: 7, Date: 1700000000000, Type: model.TypeSent, Body: "x", Address: "1"}

	a, err := s.Serialize(rec, self)
	if err != nil {
		t.Fatal(err)
	}
	rec.Body = "different body, same record"
	b, err := s.Serialize(rec, self)
	if err != nil {
		t.Fatal(err)
	}

	idA := readHeader(t, a).Get("Message-Id")
	idB := readHeader(t, b).Get("Message-Id")
	if idA != idB || idA != "<7.1700000000000@backup.example.com>" {
		t.Errorf("Message-Id = %q / %q", idA, idB)
	}
}

func TestSubjectIsSingleLineAndClamped(t *testing.T) {
	rec := model.Record{Address: "evil\r\nBcc: x@example.com" + strings.Repeat("9", 300)}

	got := Subject(rec)
	if strings.ContainsAny(got, "\r\n") {
		t.Errorf("Subject contains line break: %q", got)
	}
	if n := len([]rune(got)); n > maxSubjectRunes {
		t.Errorf("Subject has %d runes, want <= %d", n, maxSubjectRunes)
	}
}

func TestDateUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := &Serializer{Location: loc}

	raw, err := s.Serialize(model.Record{ID: 1, Date: 0, Type: model.TypeInbox, Address: "1"}, self)
	if err != nil {
		t.Fatal(err)
	}
	if got := readHeader(t, raw).Get("Date"); !strings.HasSuffix(got, "+0200") {
		t.Errorf("Date = %q, want +0200 offset", got)
	}
}

func TestSerializeRejectsInvalidRecords(t *testing.T) {
	s := &Serializer{}

	tests := []struct {
		name string
		rec  model.Record
		self string
	}{
		{"negative date", model.Record{ID: 1, Date: -1, Type: model.TypeInbox}, self},
		{"unknown type", model.Record{ID: 1, Date: 1, Type: 42}, self},
		{"no user", model.Record{ID: 1, Date: 1, Type: model.TypeInbox}, ""},
		{"bad utf-8", model.Record{ID: 1, Date: 1, Type: model.TypeInbox, Body: "\xff\xfe"}, self},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Serialize(tt.rec, tt.self); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	s := &Serializer{Location: time.FixedZone("X", -5*60*60)}

	records := []model.Record{
		{ID: 1, ThreadID: 1, Address: "+15551234567", Date: 100, Type: model.TypeInbox, Body: "a", Status: -1},
		{ID: 2, ThreadID: 9, Address: "Mütter-Hotline", Date: 200, Type: model.TypeSent, Body: "Grüße aus Köln ☕", Read: true, Status: 0},
		{ID: 3, Address: "12345", Date: 1700000000999, Type: model.TypeFailed, Body: "line one\nline two\n\ntrailing space ", Status: 64},
		{ID: 4, Address: "+1", Date: 5, Type: model.TypeQueued, Body: strings.Repeat("long line without breaks ", 40), Status: -1},
		{ID: 5, Address: "+1", Date: 6, Type: model.TypeOutbox, Body: "", Status: -1},
		{ID: 6, Address: "+1", Date: 7, Type: model.TypeInbox, Body: "=3D looks encoded =\nbut is not", Status: -1},
		{ID: 7, Address: "+1", Date: 8, Type: model.TypeInbox, Body: "a\r\nb", Status: -1},
		{ID: 8, Address: "+1", Date: 9, Type: model.TypeInbox, Body: "a\rb", Status: -1},
		{ID: 9, Address: "+1", Date: 10, Type: model.TypeSent, Body: "line\r", Status: -1},
		{ID: 10, Address: "+1", Date: 11, Type: model.TypeSent, Body: "mixed\r\nand\nbare\r ✓", Status: -1},
	}

	for _, want := range records {
		raw, err := s.Serialize(want, self)
		if err != nil {
			t.Fatalf("record %d: Serialize: %v", want.ID, err)
		}

		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("record %d: Parse: %v", want.ID, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("record %d round trip mismatch (-want +got):\n%s", want.ID, diff)
		}

		id, err := ParseID(raw)
		if err != nil || id != want.ID {
			t.Errorf("record %d: ParseID = %d, %v", want.ID, id, err)
		}
	}
}

func TestBodyEncodingPreservesCarriageReturns(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"plain\nlines", "quoted-printable"},
		{"", "quoted-printable"},
		{"a\r\nb", "base64"},
		{"line\r", "base64"},
	}

	s := &Serializer{}
	for _, tt := range tests {
		raw, err := s.Serialize(model.Record{ID: 1, Address: "1", Date: 1, Type: model.TypeInbox, Body: tt.body}, self)
		if err != nil {
			t.Fatalf("%q: Serialize: %v", tt.body, err)
		}
		if got := readHeader(t, raw).Get("Content-Transfer-Encoding"); got != tt.want {
			t.Errorf("%q: Content-Transfer-Encoding = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestParseRejectsForeignMail(t *testing.T) {
	raw := []byte("From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nhello\r\n")

	if _, err := Parse(raw); !errors.Is(err, ErrNotBackup) {
		t.Errorf("Parse err = %v, want ErrNotBackup", err)
	}
	if _, err := ParseID(raw); !errors.Is(err, ErrNotBackup) {
		t.Errorf("ParseID err = %v, want ErrNotBackup", err)
	}
}

func TestParseAcceptsLowercaseHeaderNames(t *testing.T) {
	raw := []byte("x-smssync-id: 11\r\nx-smssync-date: 1100\r\nx-smssync-type: 2\r\n" +
		"x-smssync-address: 555\r\n\r\nhello")

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := model.Record{ID: 11, Date: 1100, Type: model.TypeSent, Address: "555", Body: "hello", Status: -1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
