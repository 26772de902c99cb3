package marketapi

import (
	"github.com/cloudx-io/agentmarket/auction"
	"github.com/cloudx-io/agentmarket/core"
)

// Request types accepted by marketd.
const (
	RequestPing           = "ping"
	RequestSubmitBid      = "submit_bid"
	RequestConfirmMatch   = "confirm_match"
	RequestCancelBid      = "cancel_bid"
	RequestCreateAuction  = "create_auction"
	RequestStartAuction   = "start_auction"
	RequestEndAuction     = "end_auction"
	RequestGetBid         = "get_bid"
	RequestGetTransaction = "get_transaction"
	RequestFeedback       = "record_feedback"
	RequestKey            = "key_request"
)

// Response types. Every other response echoes the request type.
const (
	ResponsePong  = "pong"
	ResponseError = "error"
)

// Request is the single JSON object a client writes per connection. Only the
// fields relevant to Type are read.
type Request struct {
	Type string `json:"type"`

	Bid       *core.Bid           `json:"bid,omitempty"`
	SealedBid *SealedBid          `json:"sealed_bid,omitempty"`
	Auction   *core.AuctionConfig `json:"auction,omitempty"`

	BidID         string `json:"bid_id,omitempty"`
	MatchID       string `json:"match_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	AuctionID     string `json:"auction_id,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	Signature     string `json:"signature,omitempty"`
	Reason        string `json:"reason,omitempty"`

	Feedback    map[string]any     `json:"feedback,omitempty"`
	Performance map[string]float64 `json:"performance,omitempty"`
}

// Response mirrors the coordinator result for the request.
type Response struct {
	Type     string   `json:"type"`
	Accepted bool     `json:"accepted"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
	Details  []string `json:"details,omitempty"`

	Bid          *core.Bid           `json:"bid,omitempty"`
	Match        *core.Match         `json:"match,omitempty"`
	Matches      []*core.Match       `json:"matches,omitempty"`
	Transaction  *core.Transaction   `json:"transaction,omitempty"`
	Transactions []*core.Transaction `json:"transactions,omitempty"`
	Expired      []*core.Bid         `json:"expired,omitempty"`
	Auction      *auction.Status     `json:"auction,omitempty"`

	PublicKey      string                `json:"public_key,omitempty"`
	KeyAttestation AttestationCOSEBase64 `json:"key_attestation,omitempty"`

	Timestamp        int64 `json:"timestamp,omitempty"`
	ProcessingTimeMS int64 `json:"processing_time_ms,omitempty"`
}

// SealedBid is a bid JSON document encrypted to the market key with
// RSA-OAEP wrapping an AES-256-GCM content key. All fields are base64.
type SealedBid struct {
	AESKeyEncrypted  string `json:"aes_key_encrypted"`
	EncryptedPayload string `json:"encrypted_payload"`
	Nonce            string `json:"nonce"`
	HashAlgorithm    string `json:"hash_algorithm,omitempty"` // "SHA-256" (default) or "SHA-1"
}

// KeyAttestationUserData is embedded in the attestation returned with the
// market public key.
type KeyAttestationUserData struct {
	KeyAlgorithm string `json:"key_algorithm"`
	PublicKey    string `json:"public_key"`
}

// ErrorResponse builds a transport-level failure that never reached the coordinator.
func ErrorResponse(code, message string) Response {
	return Response{Type: ResponseError, Error: code, Message: message}
}
