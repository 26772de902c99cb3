package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/marketapi"
	"github.com/cloudx-io/agentmarket/validation"
)

func main() {
	var (
		transactionInput = flag.String("transaction", "", "Transaction JSON or get_transaction response (file path or inline JSON)")
		pcrsPath         = flag.String("pcrs", "", "Path to known PCR sets JSON; omit to skip the PCR check")
		outputFormat     = flag.String("format", "text", "Output format: text or json")
		help             = flag.Bool("help", false, "Show usage information")
	)

	flag.Parse()

	if *help {
		showUsage()
		os.Exit(0)
	}
	if *transactionInput == "" {
		showUsage()
		fmt.Fprintf(os.Stderr, "\nError: --transaction is required\n")
		os.Exit(1)
	}

	data, err := readJSONInput(*transactionInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading transaction: %v\n", err)
		os.Exit(2)
	}
	tx, err := extractTransaction(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error extracting transaction: %v\n", err)
		os.Exit(2)
	}

	var opts []validation.ReceiptVerifierOption
	if *pcrsPath != "" {
		sets, err := validation.LoadPCRsFromFile(*pcrsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading PCR sets: %v\n", err)
			os.Exit(2)
		}
		opts = append(opts, validation.WithPCRSets(sets))
	}
	verifier, err := validation.NewReceiptVerifier(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating verifier: %v\n", err)
		os.Exit(2)
	}

	result, err := verifier.Verify(marketapi.AttestationCOSE(tx.Receipt.Attestation), tx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(2)
	}

	if *outputFormat == "json" {
		outputJSON(result)
	} else {
		outputText(result)
	}

	if !result.IsValid() {
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage() {
	fmt.Println("Transaction Receipt Attestation Validator")
	fmt.Println()
	fmt.Println("Validates the Nitro attestation carried in a transaction receipt.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  receipt-validator --transaction <json> [options]")
	fmt.Println()
	fmt.Println("Required Flags:")
	fmt.Println("  --transaction <json>              Transaction, or a marketd get_transaction response")
	fmt.Println()
	fmt.Println("Optional Flags:")
	fmt.Println("  --pcrs <path>                     Known PCR sets: {\"pcr_sets\":[{\"pcr0\":...}]}")
	fmt.Println("  --format <text|json>              Output format (default: text)")
	fmt.Println("  --help                            Show this help message")
	fmt.Println()
	fmt.Println("Input Format:")
	fmt.Println("  --transaction accepts either a file path or inline JSON string.")
	fmt.Println()
	fmt.Println("Exit Codes:")
	fmt.Println("  0 - Validation passed")
	fmt.Println("  1 - Validation failed")
	fmt.Println("  2 - Invalid input or runtime error")
}

func readJSONInput(input string) ([]byte, error) {
	// Try reading as file first
	if data, err := os.ReadFile(input); err == nil {
		return data, nil
	}
	// Treat as inline JSON
	return []byte(input), nil
}

// extractTransaction accepts a bare transaction or a response wrapping one.
func extractTransaction(data []byte) (*core.Transaction, error) {
	var resp marketapi.Response
	if err := json.Unmarshal(data, &resp); err == nil && resp.Transaction != nil {
		return checkAttested(resp.Transaction)
	}
	var tx core.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return checkAttested(&tx)
}

func checkAttested(tx *core.Transaction) (*core.Transaction, error) {
	if tx.ID == "" {
		return nil, fmt.Errorf("transaction id missing")
	}
	if len(tx.Receipt.Attestation) == 0 {
		return nil, fmt.Errorf("transaction %s carries no receipt attestation", tx.ID)
	}
	return tx, nil
}

func outputText(result *validation.ReceiptValidationResult) {
	fmt.Println("Transaction Receipt Attestation Validator")
	fmt.Println("==========================================")
	fmt.Println()

	fmt.Println("Summary:")
	fmt.Printf("  PCRs Valid:              %v\n", result.PCRsValid)
	fmt.Printf("  Certificate Valid:       %v\n", result.CertificateValid)
	fmt.Printf("  Signature Valid:         %v\n", result.SignatureValid)
	fmt.Printf("  Transaction Match:       %v\n", result.TransactionMatch)
	fmt.Printf("  Receipt Hash Valid:      %v\n", result.ReceiptHashValid)

	fmt.Println()
	fmt.Println("Details:")
	for _, detail := range result.ValidationDetails {
		fmt.Printf("  - %s\n", detail)
	}

	fmt.Println()
	fmt.Println("==========================================")
	if result.IsValid() {
		fmt.Println("VALIDATION: ✓ PASSED")
		fmt.Println("Exit Code: 0")
	} else {
		fmt.Println("VALIDATION: ✗ FAILED")
		fmt.Println("Exit Code: 1")
	}
}

func outputJSON(result *validation.ReceiptValidationResult) {
	output := map[string]any{
		"valid":              result.IsValid(),
		"pcrs_valid":         result.PCRsValid,
		"certificate_valid":  result.CertificateValid,
		"signature_valid":    result.SignatureValid,
		"transaction_match":  result.TransactionMatch,
		"receipt_hash_valid": result.ReceiptHashValid,
		"details":            result.ValidationDetails,
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(data))
}
