package marketapi

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// AttestationCOSE is a raw COSE_Sign1 attestation document as returned by the
// Nitro Security Module.
type AttestationCOSE []byte

// AttestationCOSEBase64 is the base64 form carried in JSON.
type AttestationCOSEBase64 string

func (a AttestationCOSE) Base64() AttestationCOSEBase64 {
	return AttestationCOSEBase64(base64.StdEncoding.EncodeToString(a))
}

func (a AttestationCOSEBase64) Decode() (AttestationCOSE, error) {
	raw, err := base64.StdEncoding.DecodeString(string(a))
	if err != nil {
		return nil, fmt.Errorf("decode attestation base64: %w", err)
	}
	return AttestationCOSE(raw), nil
}

// PCRs are the Platform Configuration Registers of a Nitro enclave.
type PCRs struct {
	// PCR0: Hash of the Enclave Image File (EIF)
	ImageFileHash string `json:"0"`

	// PCR1: Hash of the Linux kernel and initial RAM data (initramfs)
	KernelHash string `json:"1"`

	// PCR2: Hash of user applications, excluding the boot ramfs
	ApplicationHash string `json:"2"`

	IAMRoleHash     string `json:"3"`
	InstanceIDHash  string `json:"4"`
	SigningCertHash string `json:"8,omitempty"`
}

// AttestationDoc is the decoded, JSON-friendly form of a Nitro attestation.
type AttestationDoc struct {
	ModuleID        string    `json:"module_id"`
	Timestamp       time.Time `json:"timestamp"`
	DigestAlgorithm string    `json:"digest"`
	PCRs            PCRs      `json:"pcrs"`
	// Certificate is the base64 DER signing certificate.
	Certificate string   `json:"certificate"`
	CABundle    []string `json:"cabundle"`
	PublicKey   string   `json:"public_key"`
	Nonce       string   `json:"nonce"`
}

// ReceiptAttestationUserData binds an attestation to one transaction receipt.
type ReceiptAttestationUserData struct {
	TransactionID string    `json:"transaction_id"`
	MatchID       string    `json:"match_id"`
	ReceiptHash   string    `json:"receipt_hash"`
	Price         float64   `json:"price"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// NitroAttestationDocument is the raw CBOR payload of a Nitro attestation.
type NitroAttestationDocument struct {
	ModuleID    string            `cbor:"module_id"`
	Digest      string            `cbor:"digest"`
	Timestamp   uint64            `cbor:"timestamp"`
	PCRs        map[uint64][]byte `cbor:"pcrs"`
	Certificate []byte            `cbor:"certificate"`
	CABundle    [][]byte          `cbor:"cabundle"`
	PublicKey   []byte            `cbor:"public_key"`
	UserData    []byte            `cbor:"user_data"`
	Nonce       []byte            `cbor:"nonce"`
}

// ParseAttestationDoc decodes the Nitro document carried in the COSE_Sign1
// payload and returns it with the raw user data bytes.
func (a AttestationCOSE) ParseAttestationDoc() (AttestationDoc, []byte, error) {
	payload, err := extractPayload(a)
	if err != nil {
		return AttestationDoc{}, nil, err
	}

	var raw NitroAttestationDocument
	if err := cbor.Unmarshal(payload, &raw); err != nil {
		return AttestationDoc{}, nil, fmt.Errorf("parse nitro attestation document: %w", err)
	}

	doc := AttestationDoc{
		ModuleID:        raw.ModuleID,
		Timestamp:       time.UnixMilli(int64(raw.Timestamp)).UTC(),
		DigestAlgorithm: raw.Digest,
		PCRs:            ExtractPCRs(raw.PCRs),
		Certificate:     base64.StdEncoding.EncodeToString(raw.Certificate),
		CABundle:        EncodeCertificateBundle(raw.CABundle),
		PublicKey:       base64.StdEncoding.EncodeToString(raw.PublicKey),
		Nonce:           string(raw.Nonce),
	}
	return doc, raw.UserData, nil
}

// extractPayload returns element 2 of a tagged or untagged COSE_Sign1 array.
func extractPayload(coseBytes []byte) ([]byte, error) {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(coseBytes, &tag); err == nil && tag.Number == 18 {
		coseBytes = tag.Content
	}

	var coseArray []any
	if err := cbor.Unmarshal(coseBytes, &coseArray); err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}
	if len(coseArray) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}
	payload, ok := coseArray[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid payload in COSE structure")
	}
	return payload, nil
}

func FormatPCR(pcrData []byte) string {
	if len(pcrData) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", pcrData)
}

func EncodeCertificateBundle(bundle [][]byte) []string {
	result := make([]string, len(bundle))
	for i, cert := range bundle {
		result[i] = base64.StdEncoding.EncodeToString(cert)
	}
	return result
}

func ExtractPCRs(rawPCRs map[uint64][]byte) PCRs {
	return PCRs{
		ImageFileHash:   FormatPCR(rawPCRs[0]),
		KernelHash:      FormatPCR(rawPCRs[1]),
		ApplicationHash: FormatPCR(rawPCRs[2]),
		IAMRoleHash:     FormatPCR(rawPCRs[3]),
		InstanceIDHash:  FormatPCR(rawPCRs[4]),
		SigningCertHash: FormatPCR(rawPCRs[8]),
	}
}
