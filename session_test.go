package strongbox

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nimbusware/strongbox/aead"
	"github.com/nimbusware/strongbox/kms"
	"github.com/nimbusware/strongbox/metastore"
)

type SessionFactorySuite struct {
	suite.Suite
	factory *SessionFactory
	ctx     context.Context
}

func TestSessionFactorySuite(t *testing.T) {
	suite.Run(t, new(SessionFactorySuite))
}

func (suite *SessionFactorySuite) newFactory(opts ...SessionFactoryOption) *SessionFactory {
	a := aead.New(testSecretFactory)

	masterKey := make([]byte, AES256KeySize)
	k, err := kms.NewStatic(masterKey, a)
	suite.Require().NoError(err)

	cfg := Config{Service: "svc", Product: "prod", Policy: NewCryptoPolicy()}

	return NewSessionFactory("svc", "prod", metastore.NewMemory(), k, a, cfg, opts...)
}

func (suite *SessionFactorySuite) SetupTest() {
	suite.ctx = context.Background()
	suite.factory = suite.newFactory()
}

func (suite *SessionFactorySuite) TearDownTest() {
	suite.factory.Close()
}

func (suite *SessionFactorySuite) TestGetSessionRoundtrip() {
	s, err := suite.factory.GetSession("shopper1")
	suite.Require().NoError(err)
	defer s.Close()

	payload := []byte("hello shopper")

	drr, err := s.Encrypt(suite.ctx, payload)
	suite.Require().NoError(err)

	got, err := s.Decrypt(suite.ctx, *drr)
	suite.Require().NoError(err)
	suite.Assert().Equal(payload, got)
}

func (suite *SessionFactorySuite) TestStoreAndLoad() {
	s, err := suite.factory.GetSession("shopper1")
	suite.Require().NoError(err)
	defer s.Close()

	store := newFakeStore()

	key, err := s.Store(suite.ctx, []byte("payload"), store)
	suite.Require().NoError(err)

	got, err := s.Load(suite.ctx, key, store)
	suite.Require().NoError(err)
	suite.Assert().Equal([]byte("payload"), got)
}

func (suite *SessionFactorySuite) TestLoadMissingRecordReturnsNil() {
	s, err := suite.factory.GetSession("shopper1")
	suite.Require().NoError(err)
	defer s.Close()

	got, err := s.Load(suite.ctx, uuid.New(), newFakeStore())
	suite.Require().NoError(err)
	suite.Assert().Nil(got)
}

func (suite *SessionFactorySuite) TestDifferentPartitionsUseDistinctIntermediateKeys() {
	s1, err := suite.factory.GetSession("shopper1")
	suite.Require().NoError(err)
	defer s1.Close()

	s2, err := suite.factory.GetSession("shopper2")
	suite.Require().NoError(err)
	defer s2.Close()

	drr1, err := s1.Encrypt(suite.ctx, []byte("one"))
	suite.Require().NoError(err)

	drr2, err := s2.Encrypt(suite.ctx, []byte("two"))
	suite.Require().NoError(err)

	suite.Assert().NotEqual(drr1.Key.ParentKeyMeta.ID, drr2.Key.ParentKeyMeta.ID)

	// cross-partition decrypt must fail: shopper2's engine should reject an
	// IK id that isn't its own.
	_, err = s2.Decrypt(suite.ctx, *drr1)
	suite.Require().Error(err)
	suite.Assert().True(IsKind(err, KindMetadataMissing))
}

func (suite *SessionFactorySuite) TestGetSessionRejectsEmptyPartitionID() {
	s, err := suite.factory.GetSession("")
	suite.Require().Error(err)
	suite.Assert().Nil(s)
	suite.Assert().True(IsKind(err, KindAppEncryption))
}

func (suite *SessionFactorySuite) TestSharedIntermediateKeyCache() {
	f := suite.newFactory()
	defer f.Close()

	f2 := suite.newFactory()
	defer f2.Close()

	suite.Assert().Nil(f.sharedIntermediateKeys)

	shared := suite.newFactoryWithSharedIK()
	defer shared.Close()

	suite.Assert().NotNil(shared.sharedIntermediateKeys)
}

func (suite *SessionFactorySuite) newFactoryWithSharedIK() *SessionFactory {
	a := aead.New(testSecretFactory)

	masterKey := make([]byte, AES256KeySize)
	k, err := kms.NewStatic(masterKey, a)
	suite.Require().NoError(err)

	policy := NewCryptoPolicy(WithSharedIntermediateKeyCache(100))
	cfg := Config{Service: "svc", Product: "prod", Policy: policy}

	return NewSessionFactory("svc", "prod", metastore.NewMemory(), k, a, cfg)
}

// failingKeyCacher is a keyCacher stub whose Close always fails, and
// records whether it was called, for exercising SessionFactory.Close's
// attempt-every-sub-close behavior.
type failingKeyCacher struct {
	err    error
	closed bool
}

func (f *failingKeyCacher) GetOrLoad(meta KeyMeta, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	return nil, fmt.Errorf("not used")
}

func (f *failingKeyCacher) GetOrLoadLatest(id string, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	return nil, fmt.Errorf("not used")
}

func (f *failingKeyCacher) Close() error {
	f.closed = true
	return f.err
}

func TestSessionFactoryCloseAttemptsEverySubCloseAndReturnsFirstError(t *testing.T) {
	shared := &failingKeyCacher{err: fmt.Errorf("shared ik cache close failed")}
	system := &failingKeyCacher{err: fmt.Errorf("system key cache close failed")}

	sf := &SessionFactory{
		sharedIntermediateKeys: shared,
		systemKeys:             system,
	}

	err := sf.Close()

	require.Error(t, err)
	require.Equal(t, "shared ik cache close failed", err.Error())
	require.True(t, shared.closed)
	require.True(t, system.closed)
}

// fakeStore is a minimal in-memory Storer/Loader for exercising
// Session.Store/Load, keyed by a generated uuid.UUID the way a caller's
// real persistence layer would hand back a surrogate key.
type fakeStore map[uuid.UUID][]byte

func newFakeStore() fakeStore {
	return make(fakeStore)
}

func (f fakeStore) Store(_ context.Context, drr DataRowRecord) (interface{}, error) {
	b, err := json.Marshal(drr)
	if err != nil {
		return nil, err
	}

	key := uuid.New()
	f[key] = b

	return key, nil
}

func (f fakeStore) Load(_ context.Context, key interface{}) (*DataRowRecord, error) {
	id, ok := key.(uuid.UUID)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", key)
	}

	data, ok := f[id]
	if !ok {
		return nil, nil
	}

	var drr DataRowRecord
	if err := json.Unmarshal(data, &drr); err != nil {
		return nil, err
	}

	return &drr, nil
}
