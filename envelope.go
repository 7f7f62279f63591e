// Package envelope implements application-level envelope encryption: each
// payload is encrypted with a one-time Data Row Key (DRK), which is itself
// encrypted ("wrapped") by an Intermediate Key (IK), which is wrapped by a
// System Key (SK), which is wrapped by a Master Key held by an external Key
// Management Service (KMS). Only the wrapped DRK travels with the payload;
// SKs and IKs are cached in locked memory and persisted, wrapped, in a
// Metastore.
//
// The main entry point is SessionFactory, which should be created once at
// application start up and kept for the lifetime of the process. Sessions
// obtained from it are scoped to a single partition (typically a tenant or
// data-owner ID) and should be closed as soon as the caller is done with
// them, since an open session holds locked memory for its keys.
package envelope

import (
	"context"
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// MetricsPrefix prefixes every metric name this package registers.
const MetricsPrefix = "ael"

// Envelope metrics.
var (
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.decrypt", MetricsPrefix), nil)
	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.encrypt", MetricsPrefix), nil)
)

// AES256KeySize is the size, in bytes, of every key in the hierarchy
// (master, system, intermediate, and data row keys).
const AES256KeySize int = 32

// Encryption performs encryption/decryption of payloads for a single
// partition.
type Encryption interface {
	// EncryptPayload encrypts data and returns a DataRowRecord containing
	// everything needed to decrypt it later.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)
	// DecryptDataRowRecord decrypts d and returns the original payload.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)
	// Close releases any resources (most importantly, cached key memory)
	// held by this Encryption. It must be called once the caller is done
	// with it.
	Close() error
}

// KeyManagementService wraps and unwraps system keys using a master key
// that never leaves the KMS.
type KeyManagementService interface {
	// EncryptKey wraps key with the master key. The result is what gets
	// persisted to the Metastore.
	EncryptKey(ctx context.Context, key []byte) ([]byte, error)
	// DecryptKey unwraps an encrypted key previously returned by EncryptKey.
	DecryptKey(ctx context.Context, encryptedKey []byte) ([]byte, error)
}

// Metastore persists and retrieves wrapped system and intermediate keys.
type Metastore interface {
	// Load retrieves the key matching id and created, or nil if absent.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)
	// LoadLatest returns the most recently created key matching id, or nil
	// if no key with that id has ever been stored.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)
	// Store inserts envelope under (id, created) if no key is already
	// stored there. It returns true if the insert happened, false if a key
	// already occupied that slot.
	Store(ctx context.Context, id string, created int64, envelope *EnvelopeKeyRecord) (bool, error)
}

// AEAD encrypts and decrypts data under a caller-supplied key. Every layer
// of the key hierarchy (DRK wrapping payloads, IK wrapping DRKs, SK
// wrapping IKs) goes through the same AEAD.
type AEAD interface {
	// Encrypt encrypts data under key.
	Encrypt(data, key []byte) ([]byte, error)
	// Decrypt decrypts data under key.
	Decrypt(data, key []byte) ([]byte, error)
}

// Loader retrieves a previously stored DataRowRecord.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord and returns a lookup key for it.
type Storer interface {
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}

// KeyMeta identifies a specific version of a system or intermediate key.
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

// String returns a human-readable representation of m.
func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta [keyId=%s created=%d]", m.ID, m.Created)
}

// IsLatest reports whether m refers to "whatever the newest key with this
// ID is" rather than a specific version.
func (m KeyMeta) IsLatest() bool {
	return m.Created == 0
}

// DataRowRecord is the output of EncryptPayload and the input to
// DecryptDataRowRecord. Callers are expected to persist it alongside (or
// in place of) the original payload.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord
	Data []byte
}

// EnvelopeKeyRecord is a wrapped key together with the metadata needed to
// unwrap it: its creation time, revocation status, and (for system and
// intermediate keys) the key that wraps it.
type EnvelopeKeyRecord struct {
	Revoked       bool     `json:"Revoked,omitempty"`
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
}
