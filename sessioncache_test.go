package strongbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nimbusware/strongbox/aead"
	"github.com/nimbusware/strongbox/kms"
	"github.com/nimbusware/strongbox/metastore"
)

func buildTestEngine(id string) (*engine, error) {
	a := aead.New(testSecretFactory)

	masterKey := make([]byte, AES256KeySize)

	k, err := kms.NewStatic(masterKey, a)
	if err != nil {
		return nil, err
	}

	policy := NewCryptoPolicy()

	return &engine{
		partition:        newPartition(id, "svc", "prod"),
		metastore:        metastore.NewMemory(),
		kms:              k,
		aead:             a,
		policy:           policy,
		systemKeys:       newKeyCache(policy.SystemKeyCacheMaxSize, policy.SystemKeyCacheEvictionPolicy, policy),
		intermediateKeys: newKeyCache(policy.IntermediateKeyCacheMaxSize, policy.IntermediateKeyCacheEvictionPolicy, policy),
	}, nil
}

func TestSharedSessionAcquireReleaseRefCounting(t *testing.T) {
	e, err := buildTestEngine("shopper1")
	require.NoError(t, err)

	s := newSharedSession(e)

	s.acquire() // borrower 1, accessCounter: cache(1) + 1 = 2
	s.acquire() // borrower 2, accessCounter = 3

	s.release() // borrower 2 releases, accessCounter = 2
	assertNotClosed(t, s)

	s.release() // borrower 1 releases, accessCounter = 1 (cache still holds its ref)
	assertNotClosed(t, s)
}

func assertNotClosed(t *testing.T, s *sharedSession) {
	t.Helper()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	require.False(t, closed)
}

func TestSharedSessionRemoveWhenIdleClosesAfterBorrowersRelease(t *testing.T) {
	e, err := buildTestEngine("shopper1")
	require.NoError(t, err)

	s := newSharedSession(e)
	s.acquire() // one external borrower

	done := make(chan struct{})

	go func() {
		s.removeWhenIdle()
		close(done)
	}()

	// removeWhenIdle must block until the external borrower releases.
	select {
	case <-done:
		t.Fatal("removeWhenIdle returned before the outstanding borrower released")
	case <-time.After(20 * time.Millisecond):
	}

	s.release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("removeWhenIdle did not return after the last release")
	}
}

type SessionCacheSuite struct {
	suite.Suite
	cache *sessionCache
}

func TestSessionCacheSuite(t *testing.T) {
	suite.Run(t, new(SessionCacheSuite))
}

func (suite *SessionCacheSuite) SetupTest() {
	suite.cache = newSessionCache(10, "lru", 0, buildTestEngine)
}

func (suite *SessionCacheSuite) TearDownTest() {
	suite.cache.Close()
}

func (suite *SessionCacheSuite) TestGetOrCreateSharesUnderlyingEngineForSameID() {
	s1, err := suite.cache.getOrCreate("shopper1")
	suite.Require().NoError(err)
	defer s1.Close()

	s2, err := suite.cache.getOrCreate("shopper1")
	suite.Require().NoError(err)
	defer s2.Close()

	suite.Assert().Same(s1.engine, s2.engine)
}

func (suite *SessionCacheSuite) TestGetOrCreateDistinctEnginesForDistinctIDs() {
	s1, err := suite.cache.getOrCreate("shopper1")
	suite.Require().NoError(err)
	defer s1.Close()

	s2, err := suite.cache.getOrCreate("shopper2")
	suite.Require().NoError(err)
	defer s2.Close()

	suite.Assert().NotSame(s1.engine, s2.engine)
}

func (suite *SessionCacheSuite) TestConcurrentGetOrCreateIsSafe() {
	var wg sync.WaitGroup

	sessions := make([]*Session, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			s, err := suite.cache.getOrCreate("shopper1")
			suite.Require().NoError(err)
			sessions[i] = s
		}(i)
	}

	wg.Wait()

	for _, s := range sessions {
		suite.Require().NotNil(s)
		suite.Assert().Same(sessions[0].engine, s.engine)
		s.Close()
	}
}
