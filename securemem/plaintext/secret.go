// Package plaintext provides a non-protected securemem.Secret
// implementation backed by a plain heap byte slice. It exists solely for
// unit tests that don't want to exercise mlock/guard-page behavior (and the
// root privileges some CI sandboxes lack for it); production callers should
// use securemem/memguard instead.
package plaintext

import (
	"bytes"
	"crypto/rand"
	"io"
	"sync"

	"github.com/nimbusware/strongbox/securemem"
)

type secret struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

// SecretFactory implements securemem.SecretFactory.
type SecretFactory struct{}

func (SecretFactory) New(b []byte) (securemem.Secret, error) {
	cp := make([]byte, len(b))
	copy(cp, b)

	for i := range b {
		b[i] = 0
	}

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	return &secret{buf: cp}, nil
}

func (f SecretFactory) CreateRandom(size int) (securemem.Secret, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	return &secret{buf: buf}, nil
}

func (s *secret) WithBytes(action func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	return action(s.buf)
}

func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errClosed
	}

	return action(s.buf)
}

func (s *secret) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *secret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	for i := range s.buf {
		s.buf[i] = 0
	}

	s.closed = true

	return nil
}

func (s *secret) NewReader() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()

	return bytes.NewReader(s.buf)
}

type closedError string

func (e closedError) Error() string { return string(e) }

const errClosed closedError = "secret has already been closed"
