package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/parser"
	"github.com/shineum/tempmail-relay/internal/pipeline"
	"github.com/shineum/tempmail-relay/internal/rawstream"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

const (
	defaultIdleTimeout       = 60 * time.Second
	defaultMaxMessageSize    = pipeline.DefaultMaxMessageSize
	defaultMaxRecipients     = 100
	defaultInvocationTimeout = 30 * time.Second
)

// Handler runs one pipeline invocation. *pipeline.Pipeline implements it.
type Handler interface {
	Handle(ctx context.Context, msg *email.InboundMessage) pipeline.Result
}

// sessionConfig is shared by every session of a server.
type sessionConfig struct {
	hostname          string
	auth              *Authenticator
	handler           Handler
	tlsConfig         *tls.Config
	maxMessageSize    int64
	maxRecipients     int
	idleTimeout       time.Duration
	invocationTimeout time.Duration
	now               func() time.Time
}

func (c *sessionConfig) setDefaults() {
	if c.hostname == "" {
		c.hostname = "localhost"
	}
	if c.auth == nil {
		c.auth = NewAuthenticator("", "")
	}
	if c.maxMessageSize <= 0 {
		c.maxMessageSize = defaultMaxMessageSize
	}
	if c.maxRecipients <= 0 {
		c.maxRecipients = defaultMaxRecipients
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = defaultIdleTimeout
	}
	if c.invocationTimeout <= 0 {
		c.invocationTimeout = defaultInvocationTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	cfg    *sessionConfig
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	logger *slog.Logger

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, cfg *sessionConfig) *Session {
	return &Session{
		cfg:    cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		logger: slog.With("remote", conn.RemoteAddr().String()),
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP tempmail-relay", s.cfg.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(s.cfg.idleTimeout)); err != nil {
			s.logger.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.hostname, arg)
	if s.cfg.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.cfg.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.cfg.maxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection and forgets all prior state.
func (s *Session) handleSTARTTLS() {
	if s.cfg.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.cfg.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		s.runSASL(s.cfg.auth.PlainServer(), initial)
	case sasl.Login:
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// runSASL drives a SASL server exchange. initial is the optional base64
// initial response from the AUTH line.
func (s *Session) runSASL(srv sasl.Server, initial string) {
	var resp []byte
	if initial != "" && initial != "=" {
		decoded, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			s.writeLine("501 Invalid base64 data")
			return
		}
		resp = decoded
	}

	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			s.writeLine("535 Authentication failed")
			return
		}
		if done {
			s.state = stateAuthOK
			s.writeLine("235 Authentication successful")
			return
		}

		s.writeLine("334 %s", base64.StdEncoding.EncodeToString(challenge))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.logger.Debug("failed to read SASL response", "error", err)
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "*" {
			s.writeLine("501 Authentication cancelled")
			return
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			s.writeLine("501 Invalid base64 data")
			return
		}
	}
}

// handleAuthLogin processes AUTH LOGIN authentication via challenge-response.
func (s *Session) handleAuthLogin() {
	// base64 "Username:"
	s.writeLine("334 VXNlcm5hbWU6")
	user, ok := s.readAuthLine()
	if !ok {
		return
	}

	// base64 "Password:"
	s.writeLine("334 UGFzc3dvcmQ6")
	pass, ok := s.readAuthLine()
	if !ok {
		return
	}

	if err := s.cfg.auth.VerifyLogin(user, pass); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *Session) readAuthLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.logger.Debug("failed to read AUTH LOGIN response", "error", err)
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.cfg.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	// The null reverse-path <> is valid for bounces.
	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if len(s.rcptTo) >= s.cfg.maxRecipients {
		s.writeLine("452 Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA captures the message and runs one invocation per recipient.
// It returns true when the connection is no longer usable.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	dot := textproto.NewReader(s.reader).DotReader()
	raw, err := rawstream.Drain(ctx, dot, s.cfg.maxMessageSize)
	switch {
	case errors.Is(err, rawstream.ErrTooLarge):
		if _, err := io.Copy(io.Discard, dot); err != nil {
			return true
		}
		s.logger.Warn("message exceeds size limit", "limit", s.cfg.maxMessageSize)
		s.writeLine("552 Message exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	case err != nil:
		s.logger.Error("error reading DATA", "error", err, "captured", len(raw))
		return true
	}

	s.deliver(ctx, raw)

	s.writeLine("250 OK message accepted")
	s.resetTransaction()
	return false
}

// deliver runs the recipients' invocations concurrently and waits for all of
// them. Each invocation gets its own reader over the shared bytes.
func (s *Session) deliver(ctx context.Context, raw []byte) {
	header := parser.ParseHeader(raw)
	received := s.cfg.now()

	var wg sync.WaitGroup
	for _, rcpt := range s.rcptTo {
		msg := &email.InboundMessage{
			From:       s.mailFrom,
			To:         rcpt,
			Header:     cloneHeader(header),
			Raw:        bytes.NewReader(raw),
			ReceivedAt: received,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			// The invocation outlives a client disconnect but not its timeout.
			ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.invocationTimeout)
			defer cancel()

			res := s.cfg.handler.Handle(ictx, msg)
			s.logger.Info("message handled",
				"sender", msg.From,
				"mailbox", msg.To,
				"size", len(raw),
				"mailbox_found", res.MailboxFound,
				"code_found", res.Code != "",
				"forwarded", res.Forwarded,
				"errors", len(res.Errors),
			)
		}()
	}
	wg.Wait()
}

func cloneHeader(h email.Header) email.Header {
	out := make(email.Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK && s.cfg.auth.Enabled():
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// extractAddress extracts the address from a MAIL/RCPT parameter, handling
// angle-bracket and bare forms and dropping ESMTP parameters such as SIZE.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return strings.TrimSpace(s[1:end]), true
	}

	addr, _, _ := strings.Cut(s, " ")
	return addr, addr != ""
}
