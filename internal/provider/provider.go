// Package provider defines the interface for forwarding backends and the
// header rewrite they share.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/shineum/tempmail-relay/internal/email"
)

// ErrNoTarget is returned when a forward request names no destination.
var ErrNoTarget = errors.New("no forwarding target configured")

// Provider forwards a captured message to its real destination. Each
// provider handles the delivery to one backend service.
type Provider interface {
	// Forward delivers req.Raw to req.Target. It returns an error if the
	// delivery fails after any provider-internal retries.
	Forward(ctx context.Context, req *email.ForwardRequest) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// replacedFields are dropped from the original header before forwarding.
// Signatures no longer verify once From and To change.
var replacedFields = []string{
	"From", "To", "Cc", "Bcc", "Sender", "Reply-To", "Return-Path",
	"DKIM-Signature", "ARC-Seal", "ARC-Message-Signature", "ARC-Authentication-Results",
}

// Rewrite prepares req.Raw for re-sending from sender to req.Target. The
// original sender moves to Reply-To and the recipient the message was
// addressed to is kept in X-Original-To. The body is left untouched. When
// sender is empty the original From is kept.
func Rewrite(req *email.ForwardRequest, sender string) ([]byte, error) {
	if req.Target == "" {
		return nil, ErrNoTarget
	}

	br := bufio.NewReader(bytes.NewReader(req.Raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return resent(req, sender), nil
	}

	originalFrom := h.Get("From")
	if originalFrom == "" {
		originalFrom = req.From
	}
	for _, k := range replacedFields {
		if sender == "" && k == "From" {
			continue
		}
		h.Del(k)
	}

	if sender != "" {
		h.Set("From", sender)
		if originalFrom != "" {
			h.Set("Reply-To", originalFrom)
		}
	}
	h.Set("To", req.Target)
	if req.Recipient != "" {
		h.Set("X-Original-To", req.Recipient)
	}

	var buf bytes.Buffer
	buf.Grow(len(req.Raw) + 256)
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, fmt.Errorf("failed to copy body: %w", err)
	}
	return buf.Bytes(), nil
}

// resent prepends Resent-* fields when the original header cannot be
// parsed, leaving the original bytes as they are.
func resent(req *email.ForwardRequest, sender string) []byte {
	var buf bytes.Buffer
	if sender != "" {
		fmt.Fprintf(&buf, "Resent-From: %s\r\n", sender)
	}
	fmt.Fprintf(&buf, "Resent-To: %s\r\n", req.Target)
	fmt.Fprintf(&buf, "Resent-Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.Write(req.Raw)
	return buf.Bytes()
}
