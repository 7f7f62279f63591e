package envelope

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/shieldcrypt/envelope/log"
	"github.com/shieldcrypt/envelope/secret"
	"github.com/shieldcrypt/envelope/secret/memguard"
)

// SessionFactory creates Sessions scoped to individual partitions and owns
// the resources - the system key cache, and (if SharedIntermediateKeyCache
// is set) a single shared intermediate key cache - amortized across every
// Session it produces. Create one per Service/Product at application
// startup and Close it at shutdown.
type SessionFactory struct {
	sessionCache sessionCache
	systemKeys   keyCacher

	sharedIntermediateKeys keyCacher

	Config        *Config
	Metastore     Metastore
	Crypto        AEAD
	KMS           KeyManagementService
	SecretFactory secret.Factory
}

// FactoryOption configures a SessionFactory.
type FactoryOption func(*SessionFactory)

// WithSecretFactory sets the factory used to allocate Secrets backing
// in-memory keys. The default is memguard.Factory.
func WithSecretFactory(f secret.Factory) FactoryOption {
	return func(factory *SessionFactory) { factory.SecretFactory = f }
}

// WithMetrics enables or disables the package's metrics registry.
func WithMetrics(enabled bool) FactoryOption {
	return func(factory *SessionFactory) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// NewSessionFactory creates a SessionFactory from config, store, kms, and
// crypto, applying opts afterward.
func NewSessionFactory(config *Config, store Metastore, kms KeyManagementService, crypto AEAD, opts ...FactoryOption) *SessionFactory {
	if config.Policy == nil {
		config.Policy = NewCryptoPolicy()
	}

	var skCache keyCacher
	if config.Policy.CacheSystemKeys {
		skCache = newKeyCache(cacheTypeSystemKeys, config.Policy)
		log.Debugf("new system key cache: %v\n", skCache)
	} else {
		skCache = neverCache{}
	}

	factory := &SessionFactory{
		systemKeys:    skCache,
		Config:        config,
		Metastore:     store,
		Crypto:        crypto,
		KMS:           kms,
		SecretFactory: new(memguard.Factory),
	}

	if config.Policy.CacheIntermediateKeys && config.Policy.SharedIntermediateKeyCache {
		factory.sharedIntermediateKeys = newKeyCache(cacheTypeIntermediateKeys, config.Policy)
	}

	for _, opt := range opts {
		opt(factory)
	}

	if config.Policy.CacheSessions {
		factory.sessionCache = newSessionCache(func(id string) (*Session, error) {
			return newSession(factory, id)
		}, config.Policy)
	}

	return factory
}

// Close releases every resource owned by the factory: the session cache (if
// any), the shared intermediate key cache (if any), and the system key
// cache.
func (f *SessionFactory) Close() error {
	if f.Config.Policy.CacheSessions {
		f.sessionCache.Close()
	}

	if f.sharedIntermediateKeys != nil {
		if err := f.sharedIntermediateKeys.Close(); err != nil {
			return err
		}
	}

	return f.systemKeys.Close()
}

// GetSession returns a Session scoped to partition id, reusing a cached
// instance if session caching is enabled and one already exists for id.
func (f *SessionFactory) GetSession(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("partition id cannot be empty")
	}

	if f.Config.Policy.CacheSessions {
		return f.sessionCache.Get(id)
	}

	return newSession(f, id)
}

func newSession(f *SessionFactory, id string) (*Session, error) {
	s := &Session{
		encryption: &envelopeEncryption{
			partition:        f.newPartition(id),
			Metastore:        f.Metastore,
			KMS:              f.KMS,
			Policy:           f.Config.Policy,
			Crypto:           f.Crypto,
			SecretFactory:    f.SecretFactory,
			systemKeys:       f.systemKeys,
			intermediateKeys: f.newIKCache(),
		},
	}

	log.Debugf("new session for id %s: Session(%p){Encryption(%p)}", id, s, s.encryption)

	return s, nil
}

// newPartition builds id's partition, suffixing key names by the
// metastore's region if it exposes one - a Metastore spanning multiple
// regions implements an optional GetRegionSuffix() string method, detected
// here via a duck-typed interface check rather than a required method on
// Metastore itself, since most deployments are single-region.
func (f *SessionFactory) newPartition(id string) partition {
	if v, ok := f.Metastore.(interface{ GetRegionSuffix() string }); ok && len(v.GetRegionSuffix()) > 0 {
		return newSuffixedPartition(id, f.Config.Service, f.Config.Product, v.GetRegionSuffix())
	}

	return newPartition(id, f.Config.Service, f.Config.Product)
}

// newIKCache returns the intermediate key cache for a new session: the
// factory-wide shared cache if SharedIntermediateKeyCache is set, a fresh
// per-session cache if CacheIntermediateKeys is set, or neverCache if
// intermediate key caching is disabled entirely.
func (f *SessionFactory) newIKCache() keyCacher {
	if !f.Config.Policy.CacheIntermediateKeys {
		return neverCache{}
	}

	if f.sharedIntermediateKeys != nil {
		return sharedKeyCache{f.sharedIntermediateKeys}
	}

	return newKeyCache(cacheTypeIntermediateKeys, f.Config.Policy)
}

// Session encrypts and decrypts payloads for a single partition. Close it
// as soon as the caller is done, since it holds locked memory for its
// intermediate (and, unless shared, system) keys.
type Session struct {
	encryption Encryption
}

// Encrypt encrypts data and returns a DataRowRecord containing everything
// needed to decrypt it later.
func (s *Session) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt decrypts d and returns the original payload.
func (s *Session) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load retrieves a DataRowRecord from store and decrypts it.
func (s *Session) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	drr, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.Decrypt(ctx, *drr)
}

// Store encrypts payload and persists the result to store, returning the
// lookup key for the stored record.
func (s *Session) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *drr)
}

// Close releases any resources (most importantly, cached key memory) held
// by this session. It must be called once the caller is done with it.
func (s *Session) Close() error {
	return s.encryption.Close()
}
