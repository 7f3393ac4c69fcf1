// Package smtp implements the inbound SMTP listener. Every accepted DATA
// payload becomes one pipeline invocation per recipient.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"github.com/emersion/go-sasl"
)

// ErrAuthFailed is returned for any credential mismatch.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator checks SMTP AUTH credentials against one configured pair.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify compares credentials in constant time.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}

// PlainServer returns a SASL PLAIN server bound to these credentials. The
// authorization identity is ignored.
func (a *Authenticator) PlainServer() sasl.Server {
	return sasl.NewPlainServer(func(_, username, password string) error {
		return a.Verify(username, password)
	})
}

// VerifyLogin verifies base64 encoded AUTH LOGIN credentials.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errors.New("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errors.New("invalid base64 password")
	}
	return a.Verify(string(user), string(pass))
}
