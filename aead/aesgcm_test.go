package aead_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nimbusware/strongbox"
	"github.com/nimbusware/strongbox/aead"
	"github.com/nimbusware/strongbox/securemem/plaintext"
)

type AEADSuite struct {
	suite.Suite
	aead *aead.AES256GCM
	ctx  context.Context
}

func TestAEADSuite(t *testing.T) {
	suite.Run(t, new(AEADSuite))
}

func (suite *AEADSuite) SetupTest() {
	suite.aead = aead.New(plaintext.SecretFactory{})
	suite.ctx = context.Background()
}

func (suite *AEADSuite) TestGenerateKeySize() {
	k, err := suite.aead.GenerateKey(100)
	suite.Require().NoError(err)
	defer k.Close()

	err = strongbox.WithKey(k, func(b []byte) error {
		suite.Assert().Len(b, strongbox.AES256KeySize)
		return nil
	})
	suite.Require().NoError(err)
}

func (suite *AEADSuite) TestEncryptDecryptKeyRoundtrip() {
	wrappingKey, err := suite.aead.GenerateKey(0)
	suite.Require().NoError(err)
	defer wrappingKey.Close()

	inner, err := strongbox.NewCryptoKey(plaintext.SecretFactory{}, 0, false, []byte("inner key bytes"))
	suite.Require().NoError(err)
	defer inner.Close()

	ct, err := suite.aead.EncryptKey(suite.ctx, inner, wrappingKey)
	suite.Require().NoError(err)

	decrypted, err := suite.aead.DecryptKey(suite.ctx, ct, 100, wrappingKey, false)
	suite.Require().NoError(err)
	defer decrypted.Close()

	suite.Assert().Equal(int64(100), decrypted.Created())

	err = strongbox.WithKey(decrypted, func(b []byte) error {
		suite.Assert().Equal([]byte("inner key bytes"), b)
		return nil
	})
	suite.Require().NoError(err)
}

func (suite *AEADSuite) TestDecryptKeyWithWrongWrappingKeyFails() {
	wrappingKey, err := suite.aead.GenerateKey(0)
	suite.Require().NoError(err)
	defer wrappingKey.Close()

	otherKey, err := suite.aead.GenerateKey(0)
	suite.Require().NoError(err)
	defer otherKey.Close()

	inner, err := strongbox.NewCryptoKey(plaintext.SecretFactory{}, 0, false, []byte("inner key bytes"))
	suite.Require().NoError(err)
	defer inner.Close()

	ct, err := suite.aead.EncryptKey(suite.ctx, inner, wrappingKey)
	suite.Require().NoError(err)

	_, err = suite.aead.DecryptKey(suite.ctx, ct, 0, otherKey, false)
	suite.Require().Error(err)
}

func (suite *AEADSuite) TestEnvelopeEncryptDecryptRoundtrip() {
	wrappingKey, err := suite.aead.GenerateKey(0)
	suite.Require().NoError(err)
	defer wrappingKey.Close()

	payload := []byte("top secret payload")

	cipherText, encryptedKey, err := suite.aead.EnvelopeEncrypt(suite.ctx, payload, wrappingKey)
	suite.Require().NoError(err)
	suite.Assert().NotEqual(payload, cipherText)

	plain, err := suite.aead.EnvelopeDecrypt(suite.ctx, cipherText, encryptedKey, 0, wrappingKey)
	suite.Require().NoError(err)
	suite.Assert().Equal(payload, plain)
}

func (suite *AEADSuite) TestEnvelopeDecryptTamperedCipherTextFails() {
	wrappingKey, err := suite.aead.GenerateKey(0)
	suite.Require().NoError(err)
	defer wrappingKey.Close()

	cipherText, encryptedKey, err := suite.aead.EnvelopeEncrypt(suite.ctx, []byte("payload"), wrappingKey)
	suite.Require().NoError(err)

	tampered := append([]byte(nil), cipherText...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = suite.aead.EnvelopeDecrypt(suite.ctx, tampered, encryptedKey, 0, wrappingKey)
	suite.Require().Error(err)
}

func TestNewUsesProvidedFactory(t *testing.T) {
	a := aead.New(plaintext.SecretFactory{})
	require.NotNil(t, a)
}
