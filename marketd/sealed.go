package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"hash"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/marketapi"
)

// keyAlgorithm describes the market key in key attestations.
const keyAlgorithm = "RSA-2048"

// HashAlgorithm selects the RSA-OAEP hash of a sealed bid.
type HashAlgorithm string

const (
	HashAlgorithmSHA256 HashAlgorithm = "SHA-256"
	// HashAlgorithmSHA1 is accepted for older agent SDKs.
	HashAlgorithmSHA1 HashAlgorithm = "SHA-1"
)

func newHash(hashAlg HashAlgorithm) (hash.Hash, error) {
	switch hashAlg {
	case HashAlgorithmSHA256, "":
		return sha256.New(), nil
	case HashAlgorithmSHA1:
		return sha1.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", hashAlg)
	}
}

// KeyManager holds the RSA key pair agents seal bids to.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// NewKeyManager generates a fresh RSA-2048 key pair. Inside an enclave
// crypto/rand draws on NSM entropy.
func NewKeyManager() (*KeyManager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	return &KeyManager{privateKey: privateKey, PublicKey: &privateKey.PublicKey}, nil
}

// PublicKeyPEM returns the public key in PKIX PEM form.
func (km *KeyManager) PublicKeyPEM() (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(km.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: derBytes})), nil
}

// OpenSealedBid decrypts a sealed bid and decodes the bid it carries.
func (km *KeyManager) OpenSealedBid(sealed *marketapi.SealedBid) (*core.Bid, error) {
	plaintext, err := DecryptHybrid(sealed.AESKeyEncrypted, sealed.EncryptedPayload, sealed.Nonce, km.privateKey, HashAlgorithm(sealed.HashAlgorithm))
	if err != nil {
		return nil, err
	}
	var bid core.Bid
	if err := json.Unmarshal(plaintext, &bid); err != nil {
		return nil, fmt.Errorf("failed to decode sealed bid: %w", err)
	}
	return &bid, nil
}

// DecryptHybrid reverses RSA-OAEP + AES-256-GCM hybrid encryption. All
// inputs are base64.
func DecryptHybrid(encryptedAESKey, encryptedPayload, nonceB64 string, privateKey *rsa.PrivateKey, hashAlg HashAlgorithm) ([]byte, error) {
	encryptedAESKeyBytes, err := base64.StdEncoding.DecodeString(encryptedAESKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted AES key: %w", err)
	}
	encryptedPayloadBytes, err := base64.StdEncoding.DecodeString(encryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted payload: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}

	hasher, err := newHash(hashAlg)
	if err != nil {
		return nil, err
	}
	aesKey, err := rsa.DecryptOAEP(hasher, rand.Reader, privateKey, encryptedAESKeyBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt AES key: %w", err)
	}
	if len(aesKey) != 32 {
		return nil, fmt.Errorf("invalid AES key length: expected 32 bytes, got %d", len(aesKey))
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(nonceBytes) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: expected %d bytes, got %d", aesgcm.NonceSize(), len(nonceBytes))
	}

	plaintext, err := aesgcm.Open(nil, nonceBytes, encryptedPayloadBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// keyResponse publishes the market key, attested when an attester is present.
func keyResponse(km *KeyManager, attester EnclaveAttester) (marketapi.Response, error) {
	publicKeyPEM, err := km.PublicKeyPEM()
	if err != nil {
		return marketapi.Response{}, err
	}
	resp := marketapi.Response{Type: marketapi.RequestKey, Accepted: true, PublicKey: publicKeyPEM}
	if attester == nil {
		return resp, nil
	}

	userData, err := json.Marshal(marketapi.KeyAttestationUserData{KeyAlgorithm: keyAlgorithm, PublicKey: publicKeyPEM})
	if err != nil {
		return marketapi.Response{}, fmt.Errorf("failed to marshal key user data: %w", err)
	}
	nonce, err := generateNonce()
	if err != nil {
		return marketapi.Response{}, err
	}
	attestation, err := attester.Attest(enclave.AttestationOptions{
		UserData: userData,
		Nonce:    []byte(nonce),
	})
	if err != nil {
		return marketapi.Response{}, fmt.Errorf("key attestation failed: %w", err)
	}
	resp.KeyAttestation = marketapi.AttestationCOSE(attestation).Base64()
	return resp, nil
}
