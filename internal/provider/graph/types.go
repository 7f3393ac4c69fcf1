// Package graph implements a Provider that forwards messages through the
// Microsoft Graph sendMail endpoint in MIME form.
package graph

// graphErrorResponse is the error envelope returned by Graph.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// tokenResponse is the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// oauthErrorResponse is the error body of the identity platform token
// endpoint.
type oauthErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}
