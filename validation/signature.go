package validation

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/agentmarket/core"
)

// cborTagSign1 is the CBOR tag of a tagged COSE_Sign1 message.
const cborTagSign1 = 18

var (
	ErrUnknownKey       = errors.New("no public key registered for agent")
	ErrUnsupportedKey   = errors.New("unsupported key type")
	ErrPayloadMismatch  = errors.New("signed payload does not match digest")
	ErrMalformedCOSE    = errors.New("malformed COSE_Sign1")
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// KeyRing maps agent ids to their signature verification keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]crypto.PublicKey)}
}

// Register stores the verification key for agentID, replacing any previous key.
func (k *KeyRing) Register(agentID string, key crypto.PublicKey) error {
	if _, err := AlgorithmForKey(key); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[agentID] = key
	return nil
}

// RegisterPEM parses a PKIX PEM public key and registers it for agentID.
func (k *KeyRing) RegisterPEM(agentID string, pemBytes []byte) error {
	key, err := ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return err
	}
	return k.Register(agentID, key)
}

func (k *KeyRing) Key(agentID string) (crypto.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[agentID]
	return key, ok
}

// ParsePublicKeyPEM parses a PEM-encoded PKIX public key.
func ParsePublicKeyPEM(pemBytes []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

// ParsePrivateKeyPEM parses a PEM-encoded PKCS#8 or SEC1 EC private key.
func ParsePrivateKeyPEM(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
		}
		return signer, nil
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// AlgorithmForKey selects the COSE algorithm for a public key.
func AlgorithmForKey(key crypto.PublicKey) (cose.Algorithm, error) {
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return cose.AlgorithmES256, nil
		case elliptic.P384():
			return cose.AlgorithmES384, nil
		case elliptic.P521():
			return cose.AlgorithmES512, nil
		}
		return 0, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
	case ed25519.PublicKey:
		return cose.AlgorithmEdDSA, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
}

// SignPayload produces a base64 tagged COSE_Sign1 over payload.
func SignPayload(key crypto.Signer, payload []byte) (string, error) {
	alg, err := AlgorithmForKey(key.Public())
	if err != nil {
		return "", err
	}
	signer, err := cose.NewSigner(alg, key)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(alg)
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}

	out, err := msg.MarshalCBOR()
	if err != nil {
		return "", fmt.Errorf("marshal COSE_Sign1: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// ExtractCOSEPayload extracts the payload from a tagged or untagged COSE_Sign1.
// COSE_Sign1 structure: [protected, unprotected, payload, signature]
func ExtractCOSEPayload(coseBytes []byte) ([]byte, error) {
	parts, err := parseSign1(coseBytes)
	if err != nil {
		return nil, err
	}
	return parts.payload, nil
}

type sign1Parts struct {
	protected []byte
	payload   []byte
	signature []byte
}

func parseSign1(coseBytes []byte) (*sign1Parts, error) {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(coseBytes, &tag); err == nil && tag.Number == cborTagSign1 {
		coseBytes = tag.Content
	}

	var coseArray []any
	if err := cbor.Unmarshal(coseBytes, &coseArray); err != nil {
		return nil, fmt.Errorf("%w: parse COSE array: %v", ErrMalformedCOSE, err)
	}
	if len(coseArray) != 4 {
		return nil, fmt.Errorf("%w: expected 4 elements, got %d", ErrMalformedCOSE, len(coseArray))
	}

	protected, ok := coseArray[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: invalid protected headers", ErrMalformedCOSE)
	}
	payload, ok := coseArray[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: invalid payload", ErrMalformedCOSE)
	}
	signature, ok := coseArray[3].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: invalid signature", ErrMalformedCOSE)
	}
	return &sign1Parts{protected: protected, payload: payload, signature: signature}, nil
}

// VerifyCOSESignature verifies a base64 COSE_Sign1 produced by key and checks
// that its payload equals expectedPayload.
func VerifyCOSESignature(coseB64 string, expectedPayload []byte, key crypto.PublicKey) error {
	coseBytes, err := base64.StdEncoding.DecodeString(coseB64)
	if err != nil {
		return fmt.Errorf("%w: decode base64: %v", ErrMalformedCOSE, err)
	}
	parts, err := parseSign1(coseBytes)
	if err != nil {
		return err
	}
	if string(parts.payload) != string(expectedPayload) {
		return ErrPayloadMismatch
	}

	alg, err := AlgorithmForKey(key)
	if err != nil {
		return err
	}
	var headers map[int64]any
	if err := cbor.Unmarshal(parts.protected, &headers); err != nil {
		return fmt.Errorf("%w: parse protected headers: %v", ErrMalformedCOSE, err)
	}
	if declared, ok := headers[1].(int64); !ok || cose.Algorithm(declared) != alg {
		return fmt.Errorf("%w: algorithm header does not match key", ErrSignatureInvalid)
	}

	// Sig_structure for COSE_Sign1: ["Signature1", protected, external_aad, payload]
	sigStructure := []any{
		"Signature1",
		parts.protected,
		[]byte{},
		parts.payload,
	}
	sigStructureBytes, err := cbor.Marshal(sigStructure)
	if err != nil {
		return fmt.Errorf("marshal Sig_structure: %w", err)
	}

	verifier, err := cose.NewVerifier(alg, key)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := verifier.Verify(sigStructureBytes, parts.signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// SignatureValidator checks bid and match confirmation signatures against a KeyRing.
type SignatureValidator struct {
	keys *KeyRing
}

func NewSignatureValidator(keys *KeyRing) *SignatureValidator {
	return &SignatureValidator{keys: keys}
}

// VerifyBid checks bid.Signature over core.BidDigest(bid). An empty signature is
// reported as nil; whether that is acceptable is policy.
func (v *SignatureValidator) VerifyBid(bid *core.Bid) error {
	if bid.Signature == "" {
		return nil
	}
	return v.verify(bid.AgentID, bid.Signature, []byte(core.BidDigest(bid)))
}

// VerifyConfirmation checks an agent's confirmation signature over core.MatchDigest(match).
func (v *SignatureValidator) VerifyConfirmation(match *core.Match, agentID, signature string) error {
	if signature == "" {
		return nil
	}
	return v.verify(agentID, signature, []byte(core.MatchDigest(match)))
}

func (v *SignatureValidator) verify(agentID, signature string, payload []byte) error {
	key, ok := v.keys.Key(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, agentID)
	}
	return VerifyCOSESignature(signature, payload, key)
}
