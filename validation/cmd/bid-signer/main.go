package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/validation"
)

// plainTextHandler is a simple slog handler that writes plain text to stdout
// without timestamps or log levels - appropriate for CLI output
type plainTextHandler struct{}

func (*plainTextHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (*plainTextHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintln(os.Stdout, r.Message)
	return err
}

func (h *plainTextHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *plainTextHandler) WithGroup(_ string) slog.Handler {
	return h
}

var logger = slog.New(&plainTextHandler{})

func main() {
	var (
		bidPath      = flag.String("bid", "", "Path to bid JSON file (required)")
		keyPath      = flag.String("key", "", "Path to PEM private key used for signing")
		publicKey    = flag.String("public-key", "", "Path to PEM public key used with --verify")
		verify       = flag.Bool("verify", false, "Verify the bid's signature instead of signing")
		outputFormat = flag.String("format", "text", "Output format: text or json")
		help         = flag.Bool("help", false, "Show usage information")
	)

	flag.Parse()

	missing := *bidPath == "" || (*verify && *publicKey == "") || (!*verify && *keyPath == "")
	if *help || missing {
		showUsage()
		if missing {
			os.Exit(1)
		}
		os.Exit(0)
	}

	bid, err := readBid(*bidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading bid: %v\n", err)
		os.Exit(2)
	}

	if *verify {
		os.Exit(runVerify(bid, *publicKey, *outputFormat))
	}
	os.Exit(runSign(bid, *keyPath, *outputFormat))
}

func runSign(bid *core.Bid, keyPath, format string) int {
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading key: %v\n", err)
		return 2
	}
	key, err := validation.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing key: %v\n", err)
		return 2
	}

	digest := core.BidDigest(bid)
	signature, err := validation.SignPayload(key, []byte(digest))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing bid: %v\n", err)
		return 2
	}

	if format == "json" {
		bid.Signature = signature
		data, err := json.MarshalIndent(bid, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			return 2
		}
		logger.Info(string(data))
		return 0
	}
	logger.Info(fmt.Sprintf("Bid:       %s", bid.ID))
	logger.Info(fmt.Sprintf("Digest:    %s", digest))
	logger.Info(fmt.Sprintf("Signature: %s", signature))
	return 0
}

func runVerify(bid *core.Bid, publicKeyPath, format string) int {
	pemBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading public key: %v\n", err)
		return 2
	}
	if bid.Signature == "" {
		fmt.Fprintf(os.Stderr, "Bid %s carries no signature\n", bid.ID)
		return 1
	}

	keys := validation.NewKeyRing()
	if err := keys.RegisterPEM(bid.AgentID, pemBytes); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading public key: %v\n", err)
		return 2
	}
	verifyErr := validation.NewSignatureValidator(keys).VerifyBid(bid)

	if format == "json" {
		output := map[string]any{
			"valid":    verifyErr == nil,
			"bid_id":   bid.ID,
			"agent_id": bid.AgentID,
			"digest":   core.BidDigest(bid),
		}
		if verifyErr != nil {
			output["error"] = verifyErr.Error()
		}
		data, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			return 2
		}
		logger.Info(string(data))
	} else {
		logger.Info(fmt.Sprintf("Bid:    %s (agent %s)", bid.ID, bid.AgentID))
		logger.Info(fmt.Sprintf("Digest: %s", core.BidDigest(bid)))
		if verifyErr == nil {
			logger.Info("SIGNATURE: ✓ VALID")
		} else {
			logger.Info(fmt.Sprintf("SIGNATURE: ✗ INVALID (%v)", verifyErr))
		}
	}

	if verifyErr != nil {
		return 1
	}
	return 0
}

func showUsage() {
	logger.Info("Bid Signer")
	logger.Info("")
	logger.Info("Signs a bid's canonical digest as a COSE_Sign1 message, or verifies one.")
	logger.Info("")
	logger.Info("Usage:")
	logger.Info("  bid-signer --bid <path> --key <pem> [options]")
	logger.Info("  bid-signer --bid <path> --public-key <pem> --verify [options]")
	logger.Info("")
	logger.Info("Flags:")
	logger.Info("  --bid <path>                      Path to bid JSON file")
	logger.Info("  --key <path>                      PKCS#8 or SEC1 private key PEM (signing)")
	logger.Info("  --public-key <path>               PKIX public key PEM (verification)")
	logger.Info("  --verify                          Verify the bid's signature field")
	logger.Info("  --format <text|json>              Output format (default: text)")
	logger.Info("  --help                            Show this help message")
	logger.Info("")
	logger.Info("Exit Codes:")
	logger.Info("  0 - Signed, or signature valid")
	logger.Info("  1 - Signature invalid or missing")
	logger.Info("  2 - Invalid input or runtime error")
}

func readBid(path string) (*core.Bid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var bid core.Bid
	if err := json.Unmarshal(data, &bid); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if bid.ID == "" || bid.AgentID == "" {
		return nil, fmt.Errorf("bid must carry id and agent_id")
	}
	return &bid, nil
}
