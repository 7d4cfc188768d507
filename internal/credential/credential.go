// Package credential resolves the backend API key from the OS keyring. The
// key is never read from the environment or from config files, and never
// written by this package — storing credentials is left to the operator's
// keyring tooling.
package credential

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrNotFound means no API key was found in the keyring.
var ErrNotFound = errors.New("credential: api key not found")

// Source resolves the API key on first use and caches it for the lifetime
// of the process. It satisfies the remote client's KeySource interface.
// Keyring lookups can be slow (D-Bus round trip on Linux), so the cache
// matters on the request path.
type Source struct {
	service string
	user    string

	once sync.Once
	key  string
	err  error
}

// New creates a Source reading the given keyring service/user entry.
func New(service, user string) *Source {
	return &Source{service: service, user: user}
}

// Key returns the API key, resolving it on first call.
func (s *Source) Key() (string, error) {
	s.once.Do(func() {
		s.key, s.err = s.resolve()
	})

	return s.key, s.err
}

func (s *Source) resolve() (string, error) {
	key, err := keyring.Get(s.service, s.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: keyring entry %s/%s missing", ErrNotFound, s.service, s.user)
	}

	if err != nil {
		return "", fmt.Errorf("reading keyring entry %s/%s: %w", s.service, s.user, err)
	}

	if key == "" {
		return "", fmt.Errorf("%w: keyring entry %s/%s is empty", ErrNotFound, s.service, s.user)
	}

	return key, nil
}
