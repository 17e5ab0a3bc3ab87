package transport

import "net/http"

// Authenticator adds credentials to the opening handshake of a connection
type Authenticator interface {
	Apply(header http.Header)
}

// BasicAuthenticator sends HTTP basic credentials
type BasicAuthenticator struct {
	Username string
	Password string
}

// Apply sets the Authorization header
func (a BasicAuthenticator) Apply(header http.Header) {
	req := http.Request{Header: header}
	req.SetBasicAuth(a.Username, a.Password)
}

// HeaderAuthenticator sends a fixed header, such as a bearer token
type HeaderAuthenticator struct {
	Name  string
	Value string
}

// Apply sets the header
func (a HeaderAuthenticator) Apply(header http.Header) {
	header.Set(a.Name, a.Value)
}

// Header returns the handshake header produced by auth, which may be nil
func Header(auth Authenticator) http.Header {
	header := http.Header{}
	if auth != nil {
		auth.Apply(header)
	}
	return header
}
