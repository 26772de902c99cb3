package market

import (
	"errors"

	"github.com/cloudx-io/agentmarket/auction"
	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/validation"
)

var (
	ErrBidNotFound         = errors.New("bid not found")
	ErrMatchNotFound       = errors.New("match not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAuctionNotFound     = errors.New("auction not found")
	ErrDuplicateAuction    = errors.New("auction already exists")
	ErrNotOwner            = errors.New("agent does not own bid")
	ErrNotParticipant      = errors.New("agent is not a counterpart")
	ErrInvalidState        = errors.New("invalid state for operation")
	ErrInvalidSignature    = errors.New("invalid confirmation signature")
	ErrAuctionRequired     = errors.New("bid type requires an auction id")
	ErrResolvedPrice       = errors.New("resolved price violates market price constraints")
)

// ErrorCode is the stable name of a failure reported in a Result.
type ErrorCode string

const (
	CodeValidationFailed    ErrorCode = "validation_failed"
	CodeInvalidPrice        ErrorCode = "invalid_price"
	CodeDuplicateBid        ErrorCode = "duplicate_bid"
	CodeBidNotFound         ErrorCode = "bid_not_found"
	CodeMatchNotFound       ErrorCode = "match_not_found"
	CodeTransactionNotFound ErrorCode = "transaction_not_found"
	CodeAuctionNotFound     ErrorCode = "auction_not_found"
	CodeDuplicateAuction    ErrorCode = "duplicate_auction"
	CodeInvalidAuction      ErrorCode = "invalid_auction_config"
	CodeAuctionRequired     ErrorCode = "auction_required"
	CodeAuctionRejected     ErrorCode = "auction_rejected"
	CodeNotOwner            ErrorCode = "not_owner"
	CodeNotParticipant      ErrorCode = "not_participant"
	CodeInvalidState        ErrorCode = "invalid_state"
	CodeInvalidSignature    ErrorCode = "invalid_signature"
	CodeInternal            ErrorCode = "internal_error"
)

var codes = []struct {
	err  error
	code ErrorCode
}{
	{ErrResolvedPrice, CodeInvalidPrice},
	{validation.ErrValidation, CodeValidationFailed},
	{core.ErrUnknownFormula, CodeInvalidPrice},
	{core.ErrFormulaParameter, CodeInvalidPrice},
	{core.ErrDuplicateBid, CodeDuplicateBid},
	{ErrBidNotFound, CodeBidNotFound},
	{ErrMatchNotFound, CodeMatchNotFound},
	{ErrTransactionNotFound, CodeTransactionNotFound},
	{ErrAuctionNotFound, CodeAuctionNotFound},
	{ErrDuplicateAuction, CodeDuplicateAuction},
	{auction.ErrInvalidConfig, CodeInvalidAuction},
	{ErrAuctionRequired, CodeAuctionRequired},
	{ErrNotOwner, CodeNotOwner},
	{ErrNotParticipant, CodeNotParticipant},
	{ErrInvalidSignature, CodeInvalidSignature},
	{ErrInvalidState, CodeInvalidState},
	{auction.ErrClosed, CodeInvalidState},
	{core.ErrIllegalTransition, CodeInvalidState},
	{core.ErrBidNotOpen, CodeInvalidState},
	{core.ErrMatchNotPending, CodeInvalidState},
	{auction.ErrBidNotOpen, CodeInvalidState},
}

// CodeFor maps an error to its ErrorCode. Auction admission failures not
// listed explicitly are reported as auction_rejected.
func CodeFor(err error) ErrorCode {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	for _, e := range []error{
		auction.ErrInactive, auction.ErrWindowClosed, auction.ErrTypeMismatch,
		auction.ErrResourceNotAllowed, auction.ErrPriceOutOfRange, auction.ErrSellerExists,
		auction.ErrNoSeller, auction.ErrBidTooLow, auction.ErrIncompatible,
		auction.ErrDependenciesPending,
	} {
		if errors.Is(err, e) {
			return CodeAuctionRejected
		}
	}
	return CodeInternal
}

// Result is the outcome every coordinator operation reports. Operations do
// not panic or return Go errors; a failure sets Code and Message.
type Result struct {
	Accepted bool      `json:"accepted"`
	Code     ErrorCode `json:"error,omitempty"`
	Message  string    `json:"message,omitempty"`
	// Details lists the messages of the failing validation stage.
	Details []string `json:"details,omitempty"`
}

func succeeded() Result {
	return Result{Accepted: true}
}

func failed(err error) Result {
	r := Result{Code: CodeFor(err), Message: err.Error()}
	var verr *validation.Error
	if errors.As(err, &verr) {
		r.Details = verr.Errors
	}
	return r
}

// Err returns the failure as an error, or nil when accepted.
func (r Result) Err() error {
	if r.Accepted {
		return nil
	}
	return &OperationError{Code: r.Code, Message: r.Message}
}

type OperationError struct {
	Code    ErrorCode
	Message string
}

func (e *OperationError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// BidResult reports a submission. Matches holds the match created for the
// bid, if any; auction submissions may also carry executed transactions.
type BidResult struct {
	Result
	Bid          *core.Bid           `json:"bid,omitempty"`
	Matches      []*core.Match       `json:"matches,omitempty"`
	Transactions []*core.Transaction `json:"transactions,omitempty"`
}

type ConfirmResult struct {
	Result
	Match       *core.Match       `json:"match,omitempty"`
	Transaction *core.Transaction `json:"transaction,omitempty"`
}

type AuctionResult struct {
	Result
	Auction      *auction.Status     `json:"auction,omitempty"`
	Matches      []*core.Match       `json:"matches,omitempty"`
	Transactions []*core.Transaction `json:"transactions,omitempty"`
	Expired      []*core.Bid         `json:"expired,omitempty"`
}
