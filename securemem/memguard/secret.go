// Package memguard implements securemem.Secret on top of awnumar/memguard's
// locked, guarded memory buffers.
package memguard

import (
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/nimbusware/strongbox/securemem"
)

// AllocTimer records the time taken to allocate a secret's backing buffer.
var AllocTimer = metrics.GetOrRegisterTimer("secret.memguard.alloctimer", nil)

type secretError string

func (e secretError) Error() string { return string(e) }

const (
	errCreateFailed secretError = "memguard buffer creation failed"
	errClosed       secretError = "secret has already been destroyed"
)

// secret wraps a memguard.LockedBuffer, melting it (making it readable) for
// the duration of each WithBytes/WithBytesFunc call and freezing it again
// (locking, zero access) immediately after, on every exit path.
type secret struct {
	buffer *memguard.LockedBuffer

	mu            sync.Mutex
	cond          *sync.Cond
	accessCounter int
	closing       bool
}

func newSecret(b *memguard.LockedBuffer) (*secret, error) {
	if !b.IsAlive() {
		return nil, errors.WithStack(errCreateFailed)
	}

	b.Freeze()

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	s := &secret{buffer: b}
	s.cond = sync.NewCond(&s.mu)

	return s, nil
}

func (s *secret) access() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || !s.buffer.IsAlive() {
		return errors.WithStack(errClosed)
	}

	if s.accessCounter == 0 {
		s.buffer.Melt()
	}

	s.accessCounter++

	return nil
}

func (s *secret) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.accessCounter--

	if s.accessCounter == 0 && s.buffer.IsAlive() {
		s.buffer.Freeze()
	}
}

// WithBytes implements securemem.Secret.
func (s *secret) WithBytes(action func([]byte) error) error {
	if err := s.access(); err != nil {
		return err
	}
	defer s.release()

	return action(s.buffer.Bytes())
}

// WithBytesFunc implements securemem.Secret.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	if err := s.access(); err != nil {
		return nil, err
	}
	defer s.release()

	return action(s.buffer.Bytes())
}

// IsClosed implements securemem.Secret.
func (s *secret) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.buffer.IsAlive()
}

// Close implements securemem.Secret. It blocks until any in-flight
// WithBytes/WithBytesFunc callers release their access, then destroys the
// buffer. Repeated calls are a no-op.
func (s *secret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true

	for {
		if !s.buffer.IsAlive() {
			return nil
		}

		if s.accessCounter == 0 {
			s.buffer.Destroy()
			securemem.InUseCounter.Dec(1)

			return nil
		}

		s.cond.Wait()
	}
}

// NewReader implements securemem.Secret.
func (s *secret) NewReader() io.Reader {
	return &secretReader{s: s}
}

type secretReader struct {
	s   *secret
	pos int
}

func (r *secretReader) Read(p []byte) (n int, err error) {
	readErr := r.s.WithBytes(func(buf []byte) error {
		if r.pos >= len(buf) {
			err = io.EOF
			return nil
		}

		n = copy(p, buf[r.pos:])
		r.pos += n

		return nil
	})
	if readErr != nil {
		return 0, readErr
	}

	return n, err
}

// SecretFactory constructs memguard-backed Secrets.
type SecretFactory struct{}

// New implements securemem.SecretFactory. b is copied into a locked buffer
// and wiped by memguard before New returns.
func (f *SecretFactory) New(b []byte) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	return newSecret(memguard.NewBufferFromBytes(b))
}

// CreateRandom implements securemem.SecretFactory.
func (f *SecretFactory) CreateRandom(size int) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	return newSecret(memguard.NewBufferRandom(size))
}
