package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/marketapi"
)

// EnclaveAttester interface for dependency injection and testing
type EnclaveAttester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// getEnclaveAttester returns the NSM handle, or an error outside an enclave.
func getEnclaveAttester() (EnclaveAttester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

// NitroAttester binds each transaction receipt to an NSM attestation document.
type NitroAttester struct {
	attester EnclaveAttester
	logger   zerolog.Logger
}

func NewNitroAttester(attester EnclaveAttester, logger zerolog.Logger) *NitroAttester {
	return &NitroAttester{attester: attester, logger: logger}
}

// AttestReceipt returns the raw COSE_Sign1 attestation whose user data is the
// JSON ReceiptAttestationUserData of tx.
func (a *NitroAttester) AttestReceipt(_ context.Context, tx *core.Transaction) ([]byte, error) {
	if a.attester == nil {
		return nil, fmt.Errorf("enclave attester is nil")
	}

	userData, err := json.Marshal(receiptUserData(tx))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user data: %w", err)
	}
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation nonce: %w", err)
	}

	attestation, err := a.attester.Attest(enclave.AttestationOptions{
		UserData: userData,
		Nonce:    []byte(nonce),
	})
	if err != nil {
		return nil, fmt.Errorf("NSM attestation failed: %w", err)
	}
	a.logger.Debug().Str("transaction_id", tx.ID).Int("bytes", len(attestation)).Msg("receipt attested")
	return attestation, nil
}

func receiptUserData(tx *core.Transaction) marketapi.ReceiptAttestationUserData {
	return marketapi.ReceiptAttestationUserData{
		TransactionID: tx.ID,
		MatchID:       tx.MatchID,
		ReceiptHash:   tx.Receipt.Hash,
		Price:         tx.Price.Amount,
		Currency:      tx.Price.Currency,
		Status:        string(tx.Receipt.Status),
		Timestamp:     tx.Receipt.Timestamp,
	}
}

func generateNonce() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}
