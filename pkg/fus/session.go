package fus

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/apex/log"
)

const (
	generateNonceEndpoint = "NF_DownloadGenerateNonce.do"
	sessionCookie         = "JSESSIONID"
	nonceHeader           = "NONCE"
)

// Session is the authenticated state of one download operation. It must not be
// shared between concurrent operations; a Session rejected by the service is
// discarded and a new one started.
type Session struct {
	Nonce        string
	SignatureKey []byte
	Cookie       string

	signature string
	keys      *Keys
}

// StartSession performs the nonce handshake
func StartSession(ctx context.Context, t *Transport, keys *Keys) (*Session, error) {
	resp, err := t.Send(ctx, generateNonceEndpoint, authHeader(""), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize)); err != nil {
		return nil, fmt.Errorf("%w: failed to read nonce response: %w", ErrNetwork, err)
	}

	s := &Session{keys: keys}
	if err := s.setNonce(resp.Header.Get(nonceHeader)); err != nil {
		return nil, err
	}
	s.updateCookie(resp)

	log.WithField("cookie", s.Cookie != "").Debug("fus session started")

	return s, nil
}

func (s *Session) setNonce(header string) error {
	nonce, err := s.keys.DecodeNonce(header)
	if err != nil {
		return err
	}
	key, err := s.keys.signatureKey(nonce)
	if err != nil {
		return err
	}
	sig, err := signWith(key, nonce)
	if err != nil {
		return err
	}
	s.Nonce = nonce
	s.SignatureKey = key
	s.signature = sig
	return nil
}

func (s *Session) updateCookie(resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			s.Cookie = c.Value
		}
	}
}

// Update applies a successful response to the session: the service may rotate
// the nonce and the session cookie on any exchange.
func (s *Session) Update(resp *http.Response) error {
	if h := resp.Header.Get(nonceHeader); h != "" {
		if err := s.setNonce(h); err != nil {
			return err
		}
		log.Debug("fus nonce rotated")
	}
	s.updateCookie(resp)
	return nil
}

// Header returns the signed headers for the next request. The returned header
// is a snapshot and stays valid if the session later rotates.
func (s *Session) Header() http.Header {
	h := authHeader(s.signature)
	if s.Cookie != "" {
		h.Set("Cookie", fmt.Sprintf("%s=%s", sessionCookie, s.Cookie))
	}
	return h
}

// authHeader leaves the nonce field empty; the service binds the nonce to the
// session cookie.
func authHeader(signature string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", fmt.Sprintf(`FUS nonce="", signature="%s", nc="", type="", realm="", newauth="1"`, signature))
	return h
}
