// Package source feeds messages that did not arrive over SMTP into the
// ingestion pipeline: polled IMAP and POP3 mailboxes on a cron schedule, and
// mbox archives replayed from disk.
package source

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/shineum/tempmail-relay/internal/config"
	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/parser"
	"github.com/shineum/tempmail-relay/internal/pipeline"
)

// ErrNoRecipient is returned when no envelope recipient can be derived for a
// fetched message.
var ErrNoRecipient = errors.New("no recipient address in message")

// Handler runs one pipeline invocation. *pipeline.Pipeline implements it.
type Handler interface {
	Handle(ctx context.Context, msg *email.InboundMessage) pipeline.Result
}

// Fetcher drains one remote mailbox into a Handler.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, account config.FetchAccount, handler Handler) error
}

// recipientHeaders are consulted in order when no override is configured.
var recipientHeaders = []string{"delivered-to", "x-original-to", "envelope-to", "to"}

// NewInbound reconstructs an envelope for raw. The sender comes from
// Return-Path or From; the recipient is the override when set, otherwise the
// first address found in recipientHeaders.
func NewInbound(raw []byte, recipient string, received time.Time) (*email.InboundMessage, error) {
	header := parser.ParseHeader(raw)

	to := strings.TrimSpace(recipient)
	for _, key := range recipientHeaders {
		if to != "" {
			break
		}
		to = firstAddress(header.Get(key))
	}
	if to == "" {
		return nil, ErrNoRecipient
	}

	from := firstAddress(header.Get("return-path"))
	if from == "" {
		from = firstAddress(header.Get("from"))
	}

	return &email.InboundMessage{
		From:       from,
		To:         to,
		Header:     header,
		Raw:        bytes.NewReader(raw),
		ReceivedAt: received,
	}, nil
}

func firstAddress(v string) string {
	v = strings.TrimSpace(parser.DecodeHeaderValue(v))
	if v == "" || v == "<>" {
		return ""
	}
	if list, err := gomail.ParseAddressList(v); err == nil && len(list) > 0 {
		return list[0].Address
	}
	// Fall back to the bare token for addresses net/mail rejects.
	v, _, _ = strings.Cut(v, ",")
	v = strings.TrimSpace(v)
	if i := strings.LastIndexByte(v, '<'); i >= 0 {
		v = strings.TrimSuffix(v[i+1:], ">")
	}
	if !strings.Contains(v, "@") {
		return ""
	}
	return v
}
