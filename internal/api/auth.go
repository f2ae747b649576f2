package api

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/ListenUpApp/client-sub012/internal/tokenfile"
)

// TokenSource provides bearer tokens. Defined at the consumer per the
// "accept interfaces" convention; refreshing is the login flow's concern.
type TokenSource interface {
	Token() (string, error)
}

// ErrTokenExpired is returned when the stored token is past its expiry.
var ErrTokenExpired = errors.New("api: access token expired (login required)")

// StaticToken is a fixed bearer token, e.g. from LISTENUP_SYNC_TOKEN.
type StaticToken string

// Token returns the token, or an error if it is empty.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", errors.New("api: empty static token")
	}

	return string(t), nil
}

// oauthTokenSource adapts an oauth2.TokenSource.
type oauthTokenSource struct {
	src oauth2.TokenSource
}

// FromOAuth2 adapts an oauth2.TokenSource (which may refresh on its own)
// to TokenSource.
func FromOAuth2(src oauth2.TokenSource) TokenSource {
	return &oauthTokenSource{src: src}
}

func (s *oauthTokenSource) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("api: obtaining token: %w", err)
	}

	if !tok.Valid() {
		return "", ErrTokenExpired
	}

	return tok.AccessToken, nil
}

// TokenSourceFromFile loads the token file at path. The token file's server
// URL, when present, must match serverURL so credentials are never sent to
// a different server.
func TokenSourceFromFile(path, serverURL string) (TokenSource, error) {
	tf, err := tokenfile.Load(path)
	if err != nil {
		return nil, err
	}

	if tf == nil {
		return nil, fmt.Errorf("api: no token file at %s (login required)", path)
	}

	if tf.ServerURL != "" && serverURL != "" && tf.ServerURL != serverURL {
		return nil, fmt.Errorf("api: token in %s was issued by %s, not %s", path, tf.ServerURL, serverURL)
	}

	return FromOAuth2(oauth2.ReuseTokenSource(tf.Token, oauth2.StaticTokenSource(tf.Token))), nil
}
