package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rcrowley/go-metrics"

	envelope "github.com/shieldcrypt/envelope"
	"github.com/shieldcrypt/envelope/internal"
	"github.com/shieldcrypt/envelope/log"
)

var (
	encryptKeyTimer = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".kms.aws.encryptkey", nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".kms.aws.decryptkey", nil)
)

var _ envelope.KeyManagementService = (*AWSKMS)(nil)

// AWSClient is the subset of the AWS KMS v2 SDK client this package
// depends on.
type AWSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
}

// AWSKMS implements KeyManagementService against one or more AWS KMS
// regions: a system key's data key is generated in one region and the
// resulting plaintext re-wrapped (encrypted) by every configured region's
// master key, so the key is decryptable after a regional failover. Build
// one with NewBuilder.
type AWSKMS struct {
	clients []regionalClient
	crypto  envelope.AEAD
}

// KMSFactory constructs an AWSClient from an AWS config.
type KMSFactory func(cfg aws.Config, optFns ...func(*kms.Options)) AWSClient

// DefaultKMSFactory wraps kms.NewFromConfig.
func DefaultKMSFactory(cfg aws.Config, optFns ...func(*kms.Options)) AWSClient {
	return kms.NewFromConfig(cfg, optFns...)
}

// NewAWS is a convenience wrapper equivalent to
// NewBuilder(crypto, arnMap).WithPreferredRegion(preferredRegion).Build().
func NewAWS(crypto envelope.AEAD, preferredRegion string, arnMap map[string]string) (*AWSKMS, error) {
	return NewBuilder(crypto, arnMap).WithPreferredRegion(preferredRegion).Build()
}

// Builder configures and constructs an AWSKMS.
type Builder struct {
	arnMap          map[string]string
	crypto          envelope.AEAD
	preferredRegion string
	factory         KMSFactory

	cfg            aws.Config
	usingCustomCfg bool
}

// NewBuilder creates a Builder for the given ARN map (region -> master key
// ARN). arnMap must contain at least one entry.
func NewBuilder(crypto envelope.AEAD, arnMap map[string]string) *Builder {
	if len(arnMap) == 0 {
		panic("kms: arnMap must contain at least one entry")
	}

	return &Builder{arnMap: arnMap, crypto: crypto}
}

// WithPreferredRegion sets the region used first for both generation and
// decryption. Required when arnMap has more than one entry.
func (b *Builder) WithPreferredRegion(region string) *Builder {
	b.preferredRegion = region
	return b
}

// WithKMSFactory overrides how AWS KMS clients are constructed. Default is
// DefaultKMSFactory; mainly useful for tests.
func (b *Builder) WithKMSFactory(factory KMSFactory) *Builder {
	b.factory = factory
	return b
}

// WithAWSConfig overrides the base AWS configuration used to build
// per-region clients. Default is the SDK's ambient configuration.
func (b *Builder) WithAWSConfig(cfg aws.Config) *Builder {
	b.cfg = cfg
	b.usingCustomCfg = true

	return b
}

// Build constructs the AWSKMS.
func (b *Builder) Build() (*AWSKMS, error) {
	if b.factory == nil {
		b.factory = DefaultKMSFactory
	}

	if !b.usingCustomCfg {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("unable to load default AWS config: %w", err)
		}

		b.cfg = cfg
	}

	if b.preferredRegion == "" && len(b.arnMap) > 1 {
		return nil, errors.New("preferred region must be set when using multiple regions")
	}

	var clients []regionalClient

	for region, arn := range b.arnMap {
		cfg := b.cfg.Copy()
		cfg.Region = region

		client := regionalClient{
			Client:       b.factory(cfg),
			Region:       region,
			MasterKeyARN: arn,
		}

		if region == b.preferredRegion {
			clients = append([]regionalClient{client}, clients...)
		} else {
			clients = append(clients, client)
		}
	}

	return &AWSKMS{clients: clients, crypto: b.crypto}, nil
}

// EncryptKey generates a new data key, uses it to wrap keyBytes, and wraps
// the data key itself under every configured region's master key.
func (a *AWSKMS) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	dataKey, err := a.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	defer internal.MemClr(dataKey.Plaintext)

	encKeyBytes, err := a.crypto.Encrypt(keyBytes, dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("error encrypting key: %w", err)
	}

	env := wrappedKey{
		EncryptedKey: encKeyBytes,
		KEKs:         a.encryptRegionalKEKs(ctx, dataKey),
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("error marshalling envelope: %w", err)
	}

	return b, nil
}

// generateDataKey tries each configured region in order, returning the
// first successful response.
func (a *AWSKMS) generateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	for _, c := range a.clients {
		resp, err := c.GenerateDataKey(ctx)
		if err != nil {
			log.Debugf("error generating data key in region (%s), trying next region: %s\n", c.Region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.New("all regions returned errors")
}

func (a *AWSKMS) encryptRegionalKEKs(ctx context.Context, dataKey *kms.GenerateDataKeyOutput) (out []regionalKEK) {
	ch := make(chan regionalKEK, len(a.clients))

	go a.encryptAllRegions(ctx, dataKey, ch)

	for key := range ch {
		out = append(out, key)
	}

	return out
}

func (a *AWSKMS) encryptAllRegions(ctx context.Context, dataKey *kms.GenerateDataKeyOutput, ch chan<- regionalKEK) {
	var wg sync.WaitGroup

	for _, c := range a.clients {
		if c.MasterKeyARN == *dataKey.KeyId {
			ch <- regionalKEK{Region: c.Region, ARN: c.MasterKeyARN, EncryptedKEK: dataKey.CiphertextBlob}
			continue
		}

		wg.Add(1)

		go func(c regionalClient) {
			defer wg.Done()

			resp, err := c.EncryptKey(ctx, dataKey.Plaintext)
			if err != nil {
				log.Debugf("error encrypting data key in region (%s): %s\n", c.Region, err)
				return
			}

			ch <- regionalKEK{Region: c.Region, ARN: c.MasterKeyARN, EncryptedKEK: resp.CiphertextBlob}
		}(c)
	}

	wg.Wait()
	close(ch)
}

// DecryptKey decrypts data (as produced by EncryptKey), trying the
// preferred region first and falling back to the remaining regions.
func (a *AWSKMS) DecryptKey(ctx context.Context, data []byte) ([]byte, error) {
	var env wrappedKey

	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unable to unmarshal envelope: %w", err)
	}

	keks := make(map[string]regionalKEK, len(env.KEKs))
	for _, kek := range env.KEKs {
		keks[kek.Region] = kek
	}

	for _, c := range a.clients {
		kek, ok := keks[c.Region]
		if !ok {
			log.Debugf("no KEK found for region: %s\n", c.Region)
			continue
		}

		resp, err := c.DecryptKey(ctx, kek.EncryptedKEK)
		if err != nil {
			log.Debugf("error kms decrypt: %s\n", err)
			continue
		}

		keyBytes, err := a.crypto.Decrypt(env.EncryptedKey, resp.Plaintext)
		if err != nil {
			log.Debugf("error crypto decrypt: %s\n", err)
			continue
		}

		return keyBytes, nil
	}

	return nil, errors.New("decrypt failed in all regions")
}

// PreferredRegion returns the region tried first.
func (a *AWSKMS) PreferredRegion() string {
	return a.clients[0].Region
}

// GetRegionSuffix lets a Metastore-less caller still suffix partition key
// names by the preferred region; AWSKMS itself doesn't implement Metastore,
// so this exists purely for symmetry with multi-region metastores.
func (a *AWSKMS) GetRegionSuffix() string {
	return a.PreferredRegion()
}

type wrappedKey struct {
	EncryptedKey []byte        `json:"encryptedKey"`
	KEKs         []regionalKEK `json:"kmsKeks"`
}

type regionalKEK struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

type regionalClient struct {
	Client       AWSClient
	Region       string
	MasterKeyARN string
}

func (r *regionalClient) GenerateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	start := time.Now()

	resp, err := r.Client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &r.MasterKeyARN,
		KeySpec: types.DataKeySpecAes256,
	})

	metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.generatedatakey.%s", envelope.MetricsPrefix, r.Region), nil).UpdateSince(start)

	return resp, err
}

func (r *regionalClient) EncryptKey(ctx context.Context, keyBytes []byte) (*kms.EncryptOutput, error) {
	defer encryptKeyTimer.UpdateSince(time.Now())

	return r.Client.Encrypt(ctx, &kms.EncryptInput{KeyId: &r.MasterKeyARN, Plaintext: keyBytes})
}

func (r *regionalClient) DecryptKey(ctx context.Context, keyBytes []byte) (*kms.DecryptOutput, error) {
	defer decryptKeyTimer.UpdateSince(time.Now())

	return r.Client.Decrypt(ctx, &kms.DecryptInput{KeyId: &r.MasterKeyARN, CiphertextBlob: keyBytes})
}
