package envelope

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shieldcrypt/envelope/internal"
	"github.com/shieldcrypt/envelope/secret"
)

var _ Encryption = (*envelopeEncryption)(nil)

// envelopeEncryption implements Encryption for a single partition,
// orchestrating the MK -> SK -> IK -> DRK key hierarchy: it loads or
// creates the partition's system and intermediate keys (caching both, with
// reference counting so an in-flight use is never evicted out from under
// it) and uses them to wrap/unwrap a fresh Data Row Key for every payload.
type envelopeEncryption struct {
	partition     partition
	Metastore     Metastore
	KMS           KeyManagementService
	Policy        *CryptoPolicy
	Crypto        AEAD
	SecretFactory secret.Factory

	systemKeys       keyCacher
	intermediateKeys keyCacher
}

// loadSystemKey fetches a known system key from the metastore and decrypts
// it using the key management service.
func (e *envelopeEncryption) loadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("error loading system key from metastore")
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// systemKeyFromEKR decrypts ekr using the key management service.
func (e *envelopeEncryption) systemKeyFromEKR(ctx context.Context, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	keyBytes, err := e.KMS.DecryptKey(ctx, ekr.EncryptedKey)
	if err != nil {
		return nil, err
	}

	return internal.NewCryptoKey(e.SecretFactory, ekr.Created, ekr.Revoked, keyBytes)
}

// intermediateKeyFromEKR decrypts ekr using sk.
func (e *envelopeEncryption) intermediateKeyFromEKR(ctx context.Context, sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	if ekr.ParentKeyMeta != nil && sk.Created() != ekr.ParentKeyMeta.Created {
		// The system key rotated between when this IK was written and now;
		// look up the SK it was actually wrapped with.
		skLoaded, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
		if err != nil {
			return nil, err
		}

		defer skLoaded.Close()

		sk = skLoaded.CryptoKey
	}

	ikBytes, err := internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.Crypto.Decrypt(ekr.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, err
	}

	return internal.NewCryptoKey(e.SecretFactory, ekr.Created, ekr.Revoked, ikBytes)
}

// isEnvelopeInvalid reports whether ekr is revoked or expired.
func (e *envelopeEncryption) isEnvelopeInvalid(ekr *EnvelopeKeyRecord) bool {
	return ekr.Revoked || internal.IsKeyExpired(ekr.Created, e.Policy.ExpireKeyAfter)
}

func (e *envelopeEncryption) generateKey() (*internal.CryptoKey, error) {
	createdAt := newKeyTimestamp(e.Policy.CreateDatePrecision)
	return internal.GenerateKey(e.SecretFactory, createdAt, AES256KeySize)
}

// tryStore attempts to persist ekr, ignoring persistence errors: a SQL
// metastore can't always distinguish a duplicate-key error from a systemic
// one, and either way the caller's fallback is the same - reload the
// latest key and use that instead.
func (e *envelopeEncryption) tryStore(ctx context.Context, ekr *EnvelopeKeyRecord) bool {
	success, _ := e.Metastore.Store(ctx, ekr.ID, ekr.Created, ekr)
	return success
}

// mustLoadLatest loads the latest key for id, returning an error if none
// exists.
func (e *envelopeEncryption) mustLoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("error loading key from metastore after retry")
	}

	return ekr, nil
}

// tryStoreSystemKey persists sk to the metastore, wrapped under the master
// key.
func (e *envelopeEncryption) tryStoreSystemKey(ctx context.Context, sk *internal.CryptoKey) (bool, error) {
	encKey, err := internal.WithKeyFunc(sk, func(keyBytes []byte) ([]byte, error) {
		return e.KMS.EncryptKey(ctx, keyBytes)
	})
	if err != nil {
		return false, err
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.SystemKeyID(),
		Created:      sk.Created(),
		EncryptedKey: encKey,
	}

	return e.tryStore(ctx, ekr), nil
}

// createSystemKey generates a new system key and persists it, falling back
// to whatever concurrently won the race to create one.
func (e *envelopeEncryption) createSystemKey(ctx context.Context) (*internal.CryptoKey, error) {
	sk, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	switch success, err2 := e.tryStoreSystemKey(ctx, sk); {
	case success:
		return sk, nil
	default:
		sk.Close()

		if err2 != nil {
			return nil, err2
		}
	}

	ekr, err := e.mustLoadLatest(ctx, e.partition.SystemKeyID())
	if err != nil {
		return nil, err
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// loadLatestOrCreateSystemKeyInline gets the most recently created system
// key for id, creating one if none exists or the existing one is invalid.
// This is the key-rotation-unaware loader: InlineRotation branching lives
// in getOrLoadLatestSystemKey, which calls this when a fresh key is
// actually needed.
func (e *envelopeEncryption) loadLatestOrCreateSystemKeyInline(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr != nil && !e.isEnvelopeInvalid(ekr) {
		return e.systemKeyFromEKR(ctx, ekr)
	}

	return e.createSystemKey(ctx)
}

// getOrLoadLatestSystemKey returns the partition's current system key,
// rotating it if expired. Under QueuedRotation an expired key is returned
// as-is while the replacement is created on a background worker; under
// InlineRotation (the default) the replacement is created synchronously
// before returning. This is only ever reached from the encrypt path, so it
// never fires NotifyExpiredSystemKeyOnRead -- that callback is a decrypt-path
// concern handled in loadIntermediateKey.
func (e *envelopeEncryption) getOrLoadLatestSystemKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	if e.Policy.KeyRotationStrategy != QueuedRotation {
		return e.loadLatestOrCreateSystemKeyInline(ctx, id)
	}

	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr == nil || ekr.Revoked {
		return e.createSystemKey(ctx)
	}

	if !e.isEnvelopeInvalid(ekr) {
		return e.systemKeyFromEKR(ctx, ekr)
	}

	stale, err := e.systemKeyFromEKR(ctx, ekr)
	if err != nil {
		return nil, err
	}

	e.enqueueSystemKeyRotation(id)

	return stale, nil
}

// getOrLoadSystemKey returns meta's system key from cache, loading it from
// the metastore on a miss.
func (e *envelopeEncryption) getOrLoadSystemKey(ctx context.Context, meta KeyMeta) (*cachedCryptoKey, error) {
	return e.systemKeys.GetOrLoad(meta, func(m KeyMeta) (*internal.CryptoKey, error) {
		return e.loadSystemKey(ctx, m)
	})
}

// getOrLoadLatestCachedSystemKey returns the current system key via the
// cache, using getOrLoadLatestSystemKey as the loader on a miss/expiry.
func (e *envelopeEncryption) getOrLoadLatestCachedSystemKey(ctx context.Context) (*cachedCryptoKey, error) {
	id := e.partition.SystemKeyID()

	return e.systemKeys.GetOrLoadLatest(id, func(_ KeyMeta) (*internal.CryptoKey, error) {
		return e.getOrLoadLatestSystemKey(ctx, id)
	})
}

// tryStoreIntermediateKey persists ik, wrapped under sk, to the metastore.
func (e *envelopeEncryption) tryStoreIntermediateKey(ctx context.Context, ik, sk *internal.CryptoKey) (bool, error) {
	encBytes, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(ikBytes, skBytes)
		})
	})
	if err != nil {
		return false, err
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.IntermediateKeyID(),
		Created:      ik.Created(),
		EncryptedKey: encBytes,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	}

	return e.tryStore(ctx, ekr), nil
}

// createIntermediateKey generates a new intermediate key wrapped by the
// current system key and persists it, falling back to whatever
// concurrently won the race to create one.
func (e *envelopeEncryption) createIntermediateKey(ctx context.Context) (*internal.CryptoKey, error) {
	sk, err := e.getOrLoadLatestCachedSystemKey(ctx)
	if err != nil {
		return nil, err
	}

	defer sk.Close()

	ik, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	switch success, err2 := e.tryStoreIntermediateKey(ctx, ik, sk.CryptoKey); {
	case success:
		return ik, nil
	default:
		ik.Close()

		if err2 != nil {
			return nil, err2
		}
	}

	newEkr, err := e.mustLoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, err
	}

	return e.intermediateKeyFromEKR(ctx, sk.CryptoKey, newEkr)
}

// getValidIntermediateKey decrypts ekr under sk and returns the resulting
// key, or nil if sk itself is no longer valid or decryption fails.
func (e *envelopeEncryption) getValidIntermediateKey(ctx context.Context, sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) *internal.CryptoKey {
	if internal.IsKeyInvalid(sk, e.Policy.ExpireKeyAfter) {
		return nil
	}

	ik, err := e.intermediateKeyFromEKR(ctx, sk, ekr)
	if err != nil {
		return nil
	}

	return ik
}

// loadLatestOrCreateIntermediateKeyInline gets the most recently created
// intermediate key for id, creating one if none exists or it (or its
// parent system key) is no longer valid.
func (e *envelopeEncryption) loadLatestOrCreateIntermediateKeyInline(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr == nil || e.isEnvelopeInvalid(ekr) {
		return e.createIntermediateKey(ctx)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return e.createIntermediateKey(ctx)
	}

	defer sk.Close()

	if ik := e.getValidIntermediateKey(ctx, sk.CryptoKey, ekr); ik != nil {
		return ik, nil
	}

	return e.createIntermediateKey(ctx)
}

// getOrLoadLatestIntermediateKey returns the partition's current
// intermediate key, rotating it per the same InlineRotation/QueuedRotation
// split as getOrLoadLatestSystemKey. Like that function, this is
// encrypt-path only and never fires NotifyExpiredIntermediateKeyOnRead.
func (e *envelopeEncryption) getOrLoadLatestIntermediateKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	if e.Policy.KeyRotationStrategy != QueuedRotation {
		return e.loadLatestOrCreateIntermediateKeyInline(ctx, id)
	}

	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if ekr == nil || ekr.Revoked {
		return e.createIntermediateKey(ctx)
	}

	if !e.isEnvelopeInvalid(ekr) {
		sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
		if err != nil {
			return e.createIntermediateKey(ctx)
		}

		defer sk.Close()

		if ik := e.getValidIntermediateKey(ctx, sk.CryptoKey, ekr); ik != nil {
			return ik, nil
		}

		return e.createIntermediateKey(ctx)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return e.createIntermediateKey(ctx)
	}

	defer sk.Close()

	stale := e.getValidIntermediateKey(ctx, sk.CryptoKey, ekr)
	if stale == nil {
		return e.createIntermediateKey(ctx)
	}

	e.enqueueIntermediateKeyRotation(id)

	return stale, nil
}

// getOrLoadLatestCachedIntermediateKey returns the current intermediate
// key via the cache.
func (e *envelopeEncryption) getOrLoadLatestCachedIntermediateKey(ctx context.Context) (*cachedCryptoKey, error) {
	id := e.partition.IntermediateKeyID()

	return e.intermediateKeys.GetOrLoadLatest(id, func(_ KeyMeta) (*internal.CryptoKey, error) {
		return e.getOrLoadLatestIntermediateKey(ctx, id)
	})
}

// loadIntermediateKey fetches a known intermediate key from the metastore
// and decrypts it using its parent system key. This is the decrypt path's
// sole key-acquisition route, so it's where revoked/expired keys are
// reported: a revoked or expired IK (or the SK used to unwrap it) still
// decrypts successfully, but NotifyExpiredIntermediateKeyOnRead /
// NotifyExpiredSystemKeyOnRead fire so the caller can mark the result stale.
func (e *envelopeEncryption) loadIntermediateKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, err
	}

	if ekr == nil {
		return nil, errors.New("error loading intermediate key from metastore")
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return nil, err
	}

	defer sk.Close()

	if internal.IsKeyInvalid(sk.CryptoKey, e.Policy.ExpireKeyAfter) {
		if fn := e.Policy.NotifyExpiredSystemKeyOnRead; fn != nil {
			fn(*ekr.ParentKeyMeta)
		}
	}

	ik, err := e.intermediateKeyFromEKR(ctx, sk.CryptoKey, ekr)
	if err != nil {
		return nil, err
	}

	if e.isEnvelopeInvalid(ekr) {
		if fn := e.Policy.NotifyExpiredIntermediateKeyOnRead; fn != nil {
			fn(meta)
		}
	}

	return ik, nil
}

// decryptRow unwraps drk under ik and the payload under drk.
func decryptRow(ik *internal.CryptoKey, drr DataRowRecord, crypto AEAD) ([]byte, error) {
	return internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		rawDrk, err := crypto.Decrypt(drr.Key.EncryptedKey, ikBytes)
		if err != nil {
			return nil, err
		}

		defer internal.MemClr(rawDrk)

		return crypto.Decrypt(drr.Data, rawDrk)
	})
}

// EncryptPayload encrypts data under a freshly generated Data Row Key,
// which is itself wrapped under the partition's current intermediate key.
func (e *envelopeEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	ik, err := e.getOrLoadLatestCachedIntermediateKey(ctx)
	if err != nil {
		return nil, err
	}

	defer ik.Close()

	// the DRK's own ID is meaningless; only the parent IK meta matters for
	// later decryption, so no need to truncate the creation timestamp here.
	drk, err := internal.GenerateKey(e.SecretFactory, time.Now().Unix(), AES256KeySize)
	if err != nil {
		return nil, err
	}

	defer drk.Close()

	encData, err := internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
		return e.Crypto.Encrypt(data, drkBytes)
	})
	if err != nil {
		return nil, err
	}

	encDrk, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(drkBytes, ikBytes)
		})
	})
	if err != nil {
		return nil, err
	}

	return &DataRowRecord{
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: encDrk,
			ParentKeyMeta: &KeyMeta{
				Created: ik.Created(),
				ID:      e.partition.IntermediateKeyID(),
			},
		},
		Data: encData,
	}, nil
}

// DecryptDataRowRecord decrypts drr using the intermediate key named in its
// ParentKeyMeta.
func (e *envelopeEncryption) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if drr.Key == nil {
		return nil, errors.New("datarow key record cannot be empty")
	}

	if drr.Key.ParentKeyMeta == nil {
		return nil, errors.New("parent key cannot be empty")
	}

	if !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID) {
		return nil, errors.New("unable to decrypt record")
	}

	ik, err := e.intermediateKeys.GetOrLoad(*drr.Key.ParentKeyMeta, func(m KeyMeta) (*internal.CryptoKey, error) {
		return e.loadIntermediateKey(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	defer ik.Close()

	return decryptRow(ik.CryptoKey, drr, e.Crypto)
}

// Close frees every key still referenced by this encryption instance.
func (e *envelopeEncryption) Close() error {
	sysErr := e.systemKeys.Close()
	ikErr := e.intermediateKeys.Close()

	if sysErr != nil {
		return sysErr
	}

	return ikErr
}
