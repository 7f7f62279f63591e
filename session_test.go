package envelope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shieldcrypt/envelope/secret/memguard"
)

type MockEncryption struct {
	mock.Mock
}

func (c *MockEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	ret := c.Called(ctx, data)

	var drr *DataRowRecord
	if v := ret.Get(0); v != nil {
		drr = v.(*DataRowRecord)
	}

	return drr, ret.Error(1)
}

func (c *MockEncryption) DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error) {
	ret := c.Called(ctx, d)

	var b []byte
	if v := ret.Get(0); v != nil {
		b = v.([]byte)
	}

	return b, ret.Error(1)
}

func (c *MockEncryption) Close() error {
	return c.Called().Error(0)
}

func TestNewSessionFactory(t *testing.T) {
	factory := NewSessionFactory(new(Config), nil, nil, nil)
	require.NotNil(t, factory)
	defer factory.Close()

	assert.IsType(t, new(keyCache), factory.systemKeys)
	assert.IsType(t, new(memguard.Factory), factory.SecretFactory)
	assert.Nil(t, factory.sessionCache)
}

func TestNewSessionFactory_WithSessionCache(t *testing.T) {
	policy := NewCryptoPolicy(WithSessionCache())

	factory := NewSessionFactory(&Config{Policy: policy}, nil, nil, nil)
	defer factory.Close()

	require.NotNil(t, factory)
	assert.NotNil(t, factory.sessionCache)

	sess, err := factory.GetSession("testing")
	require.NoError(t, err)
	assert.IsType(t, new(sharedEncryption), sess.encryption)
	sess.Close()
}

func TestNewSessionFactory_NoSKCache(t *testing.T) {
	policy := NewCryptoPolicy(WithNoCache())

	factory := NewSessionFactory(&Config{Policy: policy}, nil, nil, nil)
	defer factory.Close()

	assert.NotNil(t, factory)
	assert.IsType(t, neverCache{}, factory.systemKeys)
	assert.IsType(t, new(memguard.Factory), factory.SecretFactory)
}

func TestNewSessionFactory_WithOptions(t *testing.T) {
	factory := NewSessionFactory(new(Config), nil, nil, nil, WithSecretFactory(new(memguard.Factory)), WithMetrics(false))
	defer factory.Close()

	assert.NotNil(t, factory)
	assert.IsType(t, new(keyCache), factory.systemKeys)
	assert.IsType(t, new(memguard.Factory), factory.SecretFactory)
}

func TestSessionFactory_GetSession(t *testing.T) {
	policy := NewCryptoPolicy()
	policy.CacheIntermediateKeys = false

	factory := NewSessionFactory(&Config{Policy: policy}, nil, nil, nil)
	defer factory.Close()

	sess, err := factory.GetSession("testing")
	require.NoError(t, err)
	require.NotNil(t, sess.encryption)
	defer sess.Close()

	ik := sess.encryption.(*envelopeEncryption).intermediateKeys
	assert.IsType(t, neverCache{}, ik)
}

func TestSessionFactory_GetSession_CanCacheIntermediateKeys(t *testing.T) {
	policy := NewCryptoPolicy()

	factory := NewSessionFactory(&Config{Policy: policy}, nil, nil, nil)
	defer factory.Close()

	sess, err := factory.GetSession("testing")
	require.NoError(t, err)
	require.NotNil(t, sess.encryption)
	defer sess.Close()

	ik := sess.encryption.(*envelopeEncryption).intermediateKeys
	assert.IsType(t, new(keyCache), ik)
}

func TestSessionFactory_GetSession_SharedIntermediateKeyCache(t *testing.T) {
	policy := NewCryptoPolicy(WithSharedIntermediateKeyCache(10))

	factory := NewSessionFactory(&Config{Policy: policy}, nil, nil, nil)
	defer factory.Close()

	sess1, err := factory.GetSession("partition-1")
	require.NoError(t, err)

	sess2, err := factory.GetSession("partition-2")
	require.NoError(t, err)

	ik1 := sess1.encryption.(*envelopeEncryption).intermediateKeys
	ik2 := sess2.encryption.(*envelopeEncryption).intermediateKeys

	assert.IsType(t, sharedKeyCache{}, ik1)
	assert.IsType(t, sharedKeyCache{}, ik2)
	assert.Same(t, factory.sharedIntermediateKeys, ik1.(sharedKeyCache).keyCacher)
	assert.Same(t, factory.sharedIntermediateKeys, ik2.(sharedKeyCache).keyCacher)

	// closing one session's cache must not tear down the factory-wide one:
	// the other session still depends on it.
	require.NoError(t, sess1.Close())
	require.NoError(t, sess2.Close())
}

func TestSessionFactory_GetSession_EmptyPartitionIdFails(t *testing.T) {
	policy := NewCryptoPolicy()

	factory := NewSessionFactory(&Config{Policy: policy}, nil, nil, nil)
	defer factory.Close()

	sess, err := factory.GetSession("")
	assert.Error(t, err)
	assert.Nil(t, sess)
}

func TestSessionFactory_NewPartition_SuffixesFromMetastoreRegion(t *testing.T) {
	factory := NewSessionFactory(&Config{Service: "service", Product: "product"}, regionSuffixedMetastore{suffix: "us-west-2"}, nil, nil)
	defer factory.Close()

	p := factory.newPartition("tenant")

	assert.IsType(t, suffixedPartition{}, p)
	assert.Equal(t, "_IK_tenant_service_product_us-west-2", p.IntermediateKeyID())
}

func TestSessionFactory_NewPartition_DefaultsWhenMetastoreHasNoRegion(t *testing.T) {
	factory := NewSessionFactory(&Config{Service: "service", Product: "product"}, nil, nil, nil)
	defer factory.Close()

	p := factory.newPartition("tenant")

	assert.IsType(t, defaultPartition{}, p)
}

type regionSuffixedMetastore struct {
	Metastore
	suffix string
}

func (m regionSuffixedMetastore) GetRegionSuffix() string { return m.suffix }

func TestSessionFactory_Close(t *testing.T) {
	factory := NewSessionFactory(new(Config), nil, nil, nil)

	mockCache := new(MockKeyCacher)
	mockCache.On("Close").Return(nil)
	factory.systemKeys = mockCache

	assert.NoError(t, factory.Close())
	mockCache.AssertCalled(t, "Close")
}

func TestSession_Close(t *testing.T) {
	factory := NewSessionFactory(new(Config), nil, nil, nil)
	session, err := factory.GetSession("testing")
	require.NoError(t, err)

	mockEncryption := new(MockEncryption)
	mockEncryption.On("Close").Return(nil)
	session.encryption = mockEncryption

	assert.NoError(t, session.Close())
	mockEncryption.AssertCalled(t, "Close")
}

func TestSession_Encrypt_Decrypt(t *testing.T) {
	factory := NewSessionFactory(new(Config), nil, nil, nil)
	session, err := factory.GetSession("testing")
	require.NoError(t, err)

	mockEncryption := new(MockEncryption)
	session.encryption = mockEncryption

	drr := &DataRowRecord{Data: []byte("ciphertext")}

	mockEncryption.On("EncryptPayload", mock.Anything, []byte("plaintext")).Return(drr, nil)
	got, err := session.Encrypt(context.Background(), []byte("plaintext"))
	require.NoError(t, err)
	assert.Same(t, drr, got)

	mockEncryption.On("DecryptDataRowRecord", mock.Anything, *drr).Return([]byte("plaintext"), nil)
	plain, err := session.Decrypt(context.Background(), *drr)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), plain)
}

type fakeLoader struct {
	drr *DataRowRecord
	err error
}

func (f fakeLoader) Load(_ context.Context, _ interface{}) (*DataRowRecord, error) {
	return f.drr, f.err
}

type fakeStorer struct {
	stored *DataRowRecord
	key    interface{}
	err    error
}

func (f *fakeStorer) Store(_ context.Context, d DataRowRecord) (interface{}, error) {
	f.stored = &d
	return f.key, f.err
}

func TestSession_Load(t *testing.T) {
	factory := NewSessionFactory(new(Config), nil, nil, nil)
	session, err := factory.GetSession("testing")
	require.NoError(t, err)

	mockEncryption := new(MockEncryption)
	session.encryption = mockEncryption

	drr := &DataRowRecord{Data: []byte("ciphertext")}
	mockEncryption.On("DecryptDataRowRecord", mock.Anything, *drr).Return([]byte("plaintext"), nil)

	got, err := session.Load(context.Background(), "lookup-key", fakeLoader{drr: drr})
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), got)
}

func TestSession_Load_PropagatesLoaderError(t *testing.T) {
	factory := NewSessionFactory(new(Config), nil, nil, nil)
	session, err := factory.GetSession("testing")
	require.NoError(t, err)

	_, err = session.Load(context.Background(), "lookup-key", fakeLoader{err: assert.AnError})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSession_Store(t *testing.T) {
	factory := NewSessionFactory(new(Config), nil, nil, nil)
	session, err := factory.GetSession("testing")
	require.NoError(t, err)

	mockEncryption := new(MockEncryption)
	session.encryption = mockEncryption

	drr := &DataRowRecord{Data: []byte("ciphertext")}
	mockEncryption.On("EncryptPayload", mock.Anything, []byte("plaintext")).Return(drr, nil)

	storer := &fakeStorer{key: "row-1"}

	key, err := session.Store(context.Background(), []byte("plaintext"), storer)
	require.NoError(t, err)
	assert.Equal(t, "row-1", key)
	assert.Equal(t, drr, storer.stored)
}
