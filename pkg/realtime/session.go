package realtime

import (
	"sync"

	"golang.org/x/oauth2"

	"github.com/rubiojr/pulse/pkg/log"
)

// SessionStore persists the access token between runs.
type SessionStore interface {
	LoadToken() (*oauth2.Token, error)
	SaveToken(*oauth2.Token) error
}

// persistingSource restores a still-valid token from the store before asking
// the upstream source, and saves every new token it obtains.
type persistingSource struct {
	upstream oauth2.TokenSource
	store    SessionStore
	log      *log.Logger

	mu       sync.Mutex
	restored bool
	last     string
}

func newPersistingSource(upstream oauth2.TokenSource, store SessionStore) *persistingSource {
	return &persistingSource{
		upstream: upstream,
		store:    store,
		log:      log.ForService("session"),
	}
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.restored {
		p.restored = true
		tok, err := p.store.LoadToken()
		if err != nil {
			p.log.Warnf("failed to restore session: %v", err)
		} else if tok != nil && tok.Valid() {
			p.last = tok.AccessToken
			p.log.Debugf("restored session token expiring %s", tok.Expiry)
			return tok, nil
		}
	}

	tok, err := p.upstream.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.store.SaveToken(tok); err != nil {
			p.log.Warnf("failed to persist session: %v", err)
		}
	}
	return tok, nil
}
