package validation

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/marketapi"
)

// awsNitroRootCA is the root certificate for AWS Nitro Enclaves
// Valid until 2049-10-28, P-384 self-signed certificate
// Source: https://docs.aws.amazon.com/enclaves/latest/user/verify-root.html
const awsNitroRootCA = `-----BEGIN CERTIFICATE-----
MIICETCCAZagAwIBAgIRAPkxdWgbkK/hHUbMtOTn+FYwCgYIKoZIzj0EAwMwSTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoMBkFtYXpvbjEMMAoGA1UECwwDQVdTMRswGQYD
VQQDDBJhd3Mubml0cm8tZW5jbGF2ZXMwHhcNMTkxMDI4MTMyODA1WhcNNDkxMDI4
MTQyODA1WjBJMQswCQYDVQQGEwJVUzEPMA0GA1UECgwGQW1hem9uMQwwCgYDVQQL
DANBV1MxGzAZBgNVBAMMEmF3cy5uaXRyby1lbmNsYXZlczB2MBAGByqGSM49AgEG
BSuBBAAiA2IABPwCVOumCMHzaHDimtqQvkY4MpJzbolL//Zy2YlES1BR5TSksfbb
48C8WBoyt7F2Bw7eEtaaP+ohG2bnUs990d0JX28TcPQXCEPZ3BABIeTPYwEoCWZE
h8l5YoQwTcU/9KNCMEAwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUkCW1DdkF
R+eWw5b6cp3PmanfS5YwDgYDVR0PAQH/BAQDAgGGMAoGCCqGSM49BAMDA2kAMGYC
MQCjfy+Rocm9Xue4YnwWmNJVA44fA0P5W2OpYow9OYCVRaEevL8uO1XYru5xtMPW
rfMCMQCi85sWBbJwKKXdS6BptQFuZbT73o/gBh1qUxl/nNr12UO8Yfwr6wPLb+6N
IwLz3/Y=
-----END CERTIFICATE-----`

// NitroRoots returns a pool holding the AWS Nitro root certificate.
func NitroRoots() (*x509.CertPool, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(awsNitroRootCA)) {
		return nil, fmt.Errorf("failed to parse AWS Nitro root CA")
	}
	return roots, nil
}

// PCRSet is one known-good enclave measurement.
type PCRSet struct {
	PCR0       string `json:"pcr0"`
	PCR1       string `json:"pcr1"`
	PCR2       string `json:"pcr2"`
	CommitHash string `json:"commit_hash,omitempty"`
}

type PCRConfig struct {
	PCRSets []PCRSet `json:"pcr_sets"`
}

// LoadPCRsFromFile loads known PCR sets from a JSON file
func LoadPCRsFromFile(path string) ([]PCRSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCR config file: %w", err)
	}

	var config PCRConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse PCR config: %w", err)
	}
	if len(config.PCRSets) == 0 {
		return nil, fmt.Errorf("no PCR sets found in config file")
	}
	return config.PCRSets, nil
}

// ValidatePCRs reports whether pcrs match a known set and the index of that
// set, or -1.
func ValidatePCRs(pcrs marketapi.PCRs, knownSets []PCRSet) (bool, int) {
	for i, knownSet := range knownSets {
		if pcrs.ImageFileHash == knownSet.PCR0 &&
			pcrs.KernelHash == knownSet.PCR1 &&
			pcrs.ApplicationHash == knownSet.PCR2 {
			return true, i
		}
	}
	return false, -1
}

// ValidateCertificateChain verifies the base64 DER signing certificate
// against roots through the CA bundle, as of at.
func ValidateCertificateChain(certB64 string, caBundleB64 []string, at time.Time, roots *x509.CertPool) error {
	cert, err := parseCertificateB64(certB64)
	if err != nil {
		return err
	}

	intermediates := x509.NewCertPool()
	for _, caB64 := range caBundleB64 {
		caCert, err := parseCertificateB64(caB64)
		if err != nil {
			return fmt.Errorf("CA bundle: %w", err)
		}
		intermediates.AddCert(caCert)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate chain validation failed: %w", err)
	}
	return nil
}

func parseCertificateB64(certB64 string) (*x509.Certificate, error) {
	certDER, err := base64.StdEncoding.DecodeString(certB64)
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// VerifyAttestationSignature checks the COSE_Sign1 signature of an
// attestation document with the key of its signing certificate.
func VerifyAttestationSignature(coseBytes []byte, certB64 string) error {
	cert, err := parseCertificateB64(certB64)
	if err != nil {
		return err
	}
	parts, err := parseSign1(coseBytes)
	if err != nil {
		return err
	}
	alg, err := AlgorithmForKey(cert.PublicKey)
	if err != nil {
		return err
	}

	// Sig_structure for COSE_Sign1: ["Signature1", protected, external_aad, payload]
	sigStructureBytes, err := cbor.Marshal([]any{"Signature1", parts.protected, []byte{}, parts.payload})
	if err != nil {
		return fmt.Errorf("marshal Sig_structure: %w", err)
	}
	verifier, err := cose.NewVerifier(alg, cert.PublicKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := verifier.Verify(sigStructureBytes, parts.signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// ReceiptValidationResult reports each check made on a receipt attestation.
type ReceiptValidationResult struct {
	PCRsValid         bool     `json:"pcrs_valid"`
	CertificateValid  bool     `json:"certificate_valid"`
	SignatureValid    bool     `json:"signature_valid"`
	ReceiptHashValid  bool     `json:"receipt_hash_valid"`
	TransactionMatch  bool     `json:"transaction_match"`
	ValidationDetails []string `json:"validation_details"`

	AttestationDoc marketapi.AttestationDoc              `json:"attestation_doc"`
	UserData       *marketapi.ReceiptAttestationUserData `json:"user_data,omitempty"`
}

// IsValid returns true if every check passed
func (r *ReceiptValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid && r.ReceiptHashValid && r.TransactionMatch
}

func (r *ReceiptValidationResult) detail(format string, args ...any) {
	r.ValidationDetails = append(r.ValidationDetails, fmt.Sprintf(format, args...))
}

// ReceiptVerifier checks Nitro attestations produced over transaction receipts.
type ReceiptVerifier struct {
	roots   *x509.CertPool
	pcrSets []PCRSet
}

type ReceiptVerifierOption func(*ReceiptVerifier)

// WithRoots replaces the AWS Nitro root pool.
func WithRoots(roots *x509.CertPool) ReceiptVerifierOption {
	return func(v *ReceiptVerifier) { v.roots = roots }
}

// WithPCRSets requires the attested measurements to match one of sets.
// Without it the PCR check is skipped.
func WithPCRSets(sets []PCRSet) ReceiptVerifierOption {
	return func(v *ReceiptVerifier) { v.pcrSets = sets }
}

func NewReceiptVerifier(opts ...ReceiptVerifierOption) (*ReceiptVerifier, error) {
	v := &ReceiptVerifier{}
	for _, opt := range opts {
		opt(v)
	}
	if v.roots == nil {
		roots, err := NitroRoots()
		if err != nil {
			return nil, err
		}
		v.roots = roots
	}
	return v, nil
}

// Verify validates attestation against tx. An error means the attestation
// could not be parsed; failed checks are reported in the result.
func (v *ReceiptVerifier) Verify(attestation marketapi.AttestationCOSE, tx *core.Transaction) (*ReceiptValidationResult, error) {
	doc, userDataBytes, err := attestation.ParseAttestationDoc()
	if err != nil {
		return nil, fmt.Errorf("parse attestation document: %w", err)
	}
	result := &ReceiptValidationResult{AttestationDoc: doc, ValidationDetails: []string{}}

	if len(v.pcrSets) == 0 {
		result.PCRsValid = true
		result.detail("PCR check skipped: no known sets configured")
	} else if ok, idx := ValidatePCRs(doc.PCRs, v.pcrSets); ok {
		result.PCRsValid = true
		result.detail("Matched PCR set: #%d (commit: %s)", idx, v.pcrSets[idx].CommitHash)
	} else {
		result.detail("PCR0: %s (no match)", doc.PCRs.ImageFileHash)
		result.detail("PCR1: %s (no match)", doc.PCRs.KernelHash)
		result.detail("PCR2: %s (no match)", doc.PCRs.ApplicationHash)
	}

	switch {
	case doc.Certificate == "":
		result.detail("Missing certificate")
	case len(doc.CABundle) == 0:
		result.detail("Missing CA bundle")
	default:
		if err := ValidateCertificateChain(doc.Certificate, doc.CABundle, doc.Timestamp, v.roots); err != nil {
			result.detail("Certificate chain validation failed: %v", err)
		} else {
			result.CertificateValid = true
			result.detail("Certificate chain verified")
		}
	}

	if doc.Certificate != "" {
		if err := VerifyAttestationSignature(attestation, doc.Certificate); err != nil {
			result.detail("COSE signature verification failed: %v", err)
		} else {
			result.SignatureValid = true
			result.detail("COSE signature verified")
		}
	}

	var userData marketapi.ReceiptAttestationUserData
	if len(userDataBytes) == 0 {
		result.detail("Attestation user data missing")
		return result, nil
	}
	if err := json.Unmarshal(userDataBytes, &userData); err != nil {
		result.detail("Attestation user data unreadable: %v", err)
		return result, nil
	}
	result.UserData = &userData

	if tx == nil {
		result.detail("No transaction supplied")
		return result, nil
	}
	result.TransactionMatch = userData.TransactionID == tx.ID && userData.MatchID == tx.MatchID
	if result.TransactionMatch {
		result.detail("Transaction %s matches attestation", tx.ID)
	} else {
		result.detail("Transaction mismatch: attested %s/%s, expected %s/%s", userData.TransactionID, userData.MatchID, tx.ID, tx.MatchID)
	}

	expected := core.ReceiptHash(tx.MatchID, tx.ID, tx.Price, tx.Receipt.Timestamp, tx.Receipt.Status)
	result.ReceiptHashValid = userData.ReceiptHash == expected && tx.Receipt.Hash == expected
	if result.ReceiptHashValid {
		result.detail("Receipt hash verified")
	} else {
		result.detail("Receipt hash mismatch: attested %s, computed %s", userData.ReceiptHash, expected)
	}
	return result, nil
}
