package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/marketapi"
)

func testTransaction() *core.Transaction {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	price := core.PriceSpecification{Currency: "USD", Amount: 90, Unit: "hour"}
	return &core.Transaction{
		ID:        "tx-1",
		MatchID:   "m-1",
		Price:     price,
		Status:    core.TransactionExecuted,
		CreatedAt: ts,
		Receipt: core.Receipt{
			MatchID:   "m-1",
			Timestamp: ts,
			Status:    core.TransactionExecuted,
			Hash:      core.ReceiptHash("m-1", "tx-1", price, ts, core.TransactionExecuted),
		},
	}
}

func TestNitroAttester_EmbedsReceipt(t *testing.T) {
	tx := testTransaction()
	a := NewNitroAttester(CreateMockEnclave(t), zerolog.Nop())

	raw, err := a.AttestReceipt(context.Background(), tx)
	assert.NoError(t, err)

	doc, userDataBytes, err := marketapi.AttestationCOSE(raw).ParseAttestationDoc()
	assert.NoError(t, err)
	check.Equal(t, "market-enclave-12345", doc.ModuleID)
	check.Equal(t, 64, len(doc.Nonce))

	var userData marketapi.ReceiptAttestationUserData
	assert.NoError(t, json.Unmarshal(userDataBytes, &userData))
	check.Equal(t, "tx-1", userData.TransactionID)
	check.Equal(t, "m-1", userData.MatchID)
	check.Equal(t, tx.Receipt.Hash, userData.ReceiptHash)
	check.Equal(t, 90.0, userData.Price)
	check.Equal(t, "USD", userData.Currency)
	check.Equal(t, "executed", userData.Status)
	check.True(t, tx.Receipt.Timestamp.Equal(userData.Timestamp))
}

func TestNitroAttester_Failures(t *testing.T) {
	_, err := NewNitroAttester(nil, zerolog.Nop()).AttestReceipt(context.Background(), testTransaction())
	check.Error(t, err)

	failing := &MockEnclaveHandle{AttestFunc: func(enclave.AttestationOptions) ([]byte, error) {
		return nil, errors.New("nsm unavailable")
	}}
	_, err = NewNitroAttester(failing, zerolog.Nop()).AttestReceipt(context.Background(), testTransaction())
	check.Error(t, err)
}

func TestGenerateNonce(t *testing.T) {
	n1, err := generateNonce()
	check.NoError(t, err)
	n2, err := generateNonce()
	check.NoError(t, err)

	check.Equal(t, 64, len(n1))
	check.NotEqual(t, n1, n2)
}
