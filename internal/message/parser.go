package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/sms-backup/internal/model"
)

// ErrNotBackup is returned for messages that lack the headers needed to
// rebuild a record.
var ErrNotBackup = errors.New("not a backed up message")

// maxBodySize bounds the body read while parsing.
const maxBodySize = 1 << 20

// ParseID reads the record id from a raw header block, as returned by a
// BODY.PEEK[HEADER] fetch.
func ParseID(header []byte) (int64, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return 0, fmt.Errorf("reading header: %w", err)
	}
	return parseInt(h.Get(HeaderID), HeaderID)
}

func parseInt(v, name string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrNotBackup, name)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", ErrNotBackup, name, v)
	}
	return n, nil
}

// Parse rebuilds a record from a message produced by Serialize.
// Line breaks in a quoted-printable body come back as "\n"; a base64 body
// is returned byte for byte.
func Parse(raw []byte) (model.Record, error) {
	e, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return model.Record{}, fmt.Errorf("reading message: %w", err)
	}
	h := mail.Header{Header: e.Header}

	var rec model.Record
	if rec.ID, err = parseInt(h.Get(HeaderID), HeaderID); err != nil {
		return model.Record{}, err
	}
	if rec.Date, err = parseInt(h.Get(HeaderDate), HeaderDate); err != nil {
		return model.Record{}, err
	}

	typ, err := parseInt(h.Get(HeaderType), HeaderType)
	if err != nil {
		return model.Record{}, err
	}
	rec.Type = model.RecordType(typ)

	if !h.Has(HeaderAddress) {
		return model.Record{}, fmt.Errorf("%w: missing %s", ErrNotBackup, HeaderAddress)
	}
	if rec.Address, err = h.Text(HeaderAddress); err != nil {
		return model.Record{}, fmt.Errorf("decoding %s: %w", HeaderAddress, err)
	}

	// Optional metadata; older archives do not carry it.
	if v := h.Get(HeaderThread); v != "" {
		rec.ThreadID, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	rec.Read = strings.TrimSpace(h.Get(HeaderRead)) == "1"
	rec.Status = -1
	if v := h.Get(HeaderStatus); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			rec.Status = n
		}
	}

	body, err := io.ReadAll(io.LimitReader(e.Body, maxBodySize))
	if err != nil {
		return model.Record{}, fmt.Errorf("reading body of record %d: %w", rec.ID, err)
	}
	rec.Body = string(body)
	if !strings.EqualFold(strings.TrimSpace(e.Header.Get("Content-Transfer-Encoding")), "base64") {
		rec.Body = strings.ReplaceAll(rec.Body, "\r\n", "\n")
	}

	if err := rec.Validate(); err != nil {
		return model.Record{}, fmt.Errorf("%w: %v", ErrNotBackup, err)
	}
	return rec, nil
}
