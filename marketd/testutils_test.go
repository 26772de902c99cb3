package main

import (
	"fmt"
	"testing"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/agentmarket/market"
	"github.com/cloudx-io/agentmarket/validation"
)

// MockEnclaveHandle implements the Attest method for testing
type MockEnclaveHandle struct {
	AttestFunc func(options enclave.AttestationOptions) ([]byte, error)
	calls      int
}

func (m *MockEnclaveHandle) Attest(options enclave.AttestationOptions) ([]byte, error) {
	m.calls++
	if m.AttestFunc != nil {
		return m.AttestFunc(options)
	}
	return nil, fmt.Errorf("mock not configured")
}

// CreateMockEnclave returns a handle producing Nitro-shaped COSE_Sign1
// documents that embed the requested user data and nonce.
func CreateMockEnclave(t *testing.T) *MockEnclaveHandle {
	t.Helper()
	return &MockEnclaveHandle{
		AttestFunc: func(options enclave.AttestationOptions) ([]byte, error) {
			nestedDoc := map[string]any{
				"module_id":   "market-enclave-12345",
				"digest":      "SHA384",
				"timestamp":   uint64(1767225600000),
				"pcrs":        map[uint64][]byte{0: {0x3b, 0x4c}, 1: {0x4b, 0x4d}, 2: {0x2b, 0xdd}},
				"certificate": []byte("test-certificate-data"),
				"cabundle":    [][]byte{[]byte("test-ca-cert")},
				"public_key":  []byte("test-public-key-data"),
				"user_data":   options.UserData,
				"nonce":       options.Nonce,
			}
			nestedBytes, err := cbor.Marshal(nestedDoc)
			if err != nil {
				return nil, err
			}
			// [protected, unprotected, payload, signature]
			return cbor.Marshal([]any{
				[]byte{0x01, 0x02, 0x03},
				map[string]any{},
				nestedBytes,
				[]byte{0x04, 0x05, 0x06},
			})
		},
	}
}

func newTestServer(t *testing.T, opts ...market.Option) *MarketServer {
	t.Helper()
	coord := market.New(validation.NewValidator(validation.MarketPolicy{}), opts...)
	t.Cleanup(coord.Close)
	return NewMarketServer(coord, zerolog.Nop(), 4, time.Second)
}
