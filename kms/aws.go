package kms

import (
	"context"
	"encoding/json"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	kmssdk "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/nimbusware/strongbox"
	"github.com/nimbusware/strongbox/log"
	"github.com/nimbusware/strongbox/securemem"
	memguardsecret "github.com/nimbusware/strongbox/securemem/memguard"
)

var (
	encryptKeyTimer = metrics.GetOrRegisterTimer(strongbox.MetricsPrefix+".kms.aws.encryptkey", nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(strongbox.MetricsPrefix+".kms.aws.decryptkey", nil)
)

// Client is the subset of the AWS KMS v2 SDK this package depends on.
type Client interface {
	Encrypt(ctx context.Context, params *kmssdk.EncryptInput, optFns ...func(*kmssdk.Options)) (*kmssdk.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kmssdk.DecryptInput, optFns ...func(*kmssdk.Options)) (*kmssdk.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kmssdk.GenerateDataKeyInput, optFns ...func(*kmssdk.Options)) (*kmssdk.GenerateDataKeyOutput, error)
}

// ClientFactory constructs a Client from an AWS config, for substituting a
// fake client in tests.
type ClientFactory func(cfg awssdk.Config, optFns ...func(*kmssdk.Options)) Client

// DefaultClientFactory wraps kms.NewFromConfig.
func DefaultClientFactory(cfg awssdk.Config, optFns ...func(*kmssdk.Options)) Client {
	return kmssdk.NewFromConfig(cfg, optFns...)
}

// AWS implements strongbox.KeyManagementService against a single master key
// ARN in AWS KMS, using a KMS-generated data key to wrap the system key with
// aead before returning an envelope ready for metastore storage.
type AWS struct {
	client       Client
	masterKeyARN string
	aead         strongbox.AEAD
	factory      securemem.SecretFactory
}

var _ strongbox.KeyManagementService = (*AWS)(nil)

// Builder configures and constructs an AWS KMS-backed KeyManagementService.
type Builder struct {
	masterKeyARN string
	region       string
	aead         strongbox.AEAD
	factory      securemem.SecretFactory
	clientFn     ClientFactory
	cfg          awssdk.Config
	usingCfg     bool
}

// NewBuilder returns a Builder for masterKeyARN, wrapping/unwrapping data
// keys with aead.
func NewBuilder(masterKeyARN string, aead strongbox.AEAD) *Builder {
	return &Builder{masterKeyARN: masterKeyARN, aead: aead}
}

// WithRegion sets the AWS region for the default config loader.
func (b *Builder) WithRegion(region string) *Builder {
	b.region = region
	return b
}

// WithAWSConfig overrides the AWS config used to build the KMS client.
func (b *Builder) WithAWSConfig(cfg awssdk.Config) *Builder {
	b.cfg = cfg
	b.usingCfg = true

	return b
}

// WithClientFactory overrides how the underlying AWS KMS client is built;
// primarily useful for tests.
func (b *Builder) WithClientFactory(f ClientFactory) *Builder {
	b.clientFn = f
	return b
}

// WithSecretFactory overrides the SecretFactory used to protect the
// plaintext data key while it is in use.
func (b *Builder) WithSecretFactory(f securemem.SecretFactory) *Builder {
	b.factory = f
	return b
}

// Build constructs the AWS KeyManagementService.
func (b *Builder) Build(ctx context.Context) (*AWS, error) {
	if b.clientFn == nil {
		b.clientFn = DefaultClientFactory
	}

	if !b.usingCfg {
		cfg, err := config.LoadDefaultConfig(ctx, func(o *config.LoadOptions) error {
			if b.region != "" {
				o.Region = b.region
			}

			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "kms: unable to load default AWS config")
		}

		b.cfg = cfg
	}

	factory := b.factory
	if factory == nil {
		factory = securemem.SecretFactory(&memguardsecret.SecretFactory{})
	}

	return &AWS{
		client:       b.clientFn(b.cfg),
		masterKeyARN: b.masterKeyARN,
		aead:         b.aead,
		factory:      factory,
	}, nil
}

// envelope is the JSON structure stored as a system key's EncryptedKey: the
// KMS-wrapped data key plus the aead-wrapped key bytes it protects.
type envelope struct {
	EncryptedDataKey []byte `json:"encryptedDataKey"`
	EncryptedKey     []byte `json:"encryptedKey"`
}

// EncryptKey generates a KMS data key, wraps keyBytes with it using aead,
// and returns the resulting envelope.
func (a *AWS) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	start := time.Now()

	dk, err := a.client.GenerateDataKey(ctx, &kmssdk.GenerateDataKeyInput{
		KeyId:   &a.masterKeyARN,
		KeySpec: types.DataKeySpecAes256,
	})

	encryptKeyTimer.UpdateSince(start)

	if err != nil {
		return nil, errors.Wrap(err, "kms: generate data key failed")
	}

	dataKey, err := strongbox.NewCryptoKey(a.factory, 0, false, dk.Plaintext)
	if err != nil {
		return nil, err
	}
	defer dataKey.Close()

	inner, err := strongbox.NewCryptoKey(a.factory, 0, false, append([]byte(nil), keyBytes...))
	if err != nil {
		return nil, err
	}
	defer inner.Close()

	encKey, err := a.aead.EncryptKey(ctx, inner, dataKey)
	if err != nil {
		return nil, errors.Wrap(err, "kms: wrapping key with data key failed")
	}

	env := envelope{EncryptedDataKey: dk.CiphertextBlob, EncryptedKey: encKey}

	b, err := json.Marshal(env)

	return b, errors.Wrap(err, "kms: marshalling envelope failed")
}

// DecryptKey asks KMS to decrypt the envelope's data key, then unwraps the
// key bytes with it.
func (a *AWS) DecryptKey(ctx context.Context, encryptedKeyBytes []byte, created int64, revoked bool) (*strongbox.CryptoKey, error) {
	var env envelope

	if err := json.Unmarshal(encryptedKeyBytes, &env); err != nil {
		return nil, errors.Wrap(err, "kms: unmarshalling envelope failed")
	}

	start := time.Now()

	resp, err := a.client.Decrypt(ctx, &kmssdk.DecryptInput{
		KeyId:          &a.masterKeyARN,
		CiphertextBlob: env.EncryptedDataKey,
	})

	decryptKeyTimer.UpdateSince(start)

	if err != nil {
		log.Debugf("kms: decrypt data key failed: %s", err)
		return nil, errors.Wrap(err, "kms: decrypt data key failed")
	}

	dataKey, err := strongbox.NewCryptoKey(a.factory, 0, false, resp.Plaintext)
	if err != nil {
		return nil, err
	}
	defer dataKey.Close()

	return a.aead.DecryptKey(ctx, env.EncryptedKey, created, dataKey, revoked)
}
