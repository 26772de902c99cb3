package core

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BidDigest computes the digest a bid signature covers.
//
// Formula: SHA256(id|agent_id|bid_type|role|sprintf("%.6f", amount)|currency|resources|auction_id)
// where resources = "type:quantity:unit,..." sorted by type then unit.
func BidDigest(b *Bid) string {
	resources := make([]string, 0, len(b.Resources))
	for _, r := range b.Resources {
		resources = append(resources, fmt.Sprintf("%s:%.6f:%s", r.Type, r.Quantity, r.Unit))
	}
	sort.Strings(resources)

	currency := ""
	amount := 0.0
	if b.Price != nil {
		currency = b.Price.Currency
		amount = b.Price.Amount
	}
	data := fmt.Sprintf("%s|%s|%s|%s|%.6f|%s|%s|%s",
		b.ID, b.AgentID, b.Type, b.Role, amount, currency, strings.Join(resources, ","), b.AuctionID)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// MatchDigest computes the digest a match confirmation signature covers.
//
// Formula: SHA256(match_id|buyer_bid_id|seller_bid_id|sprintf("%.6f", amount)|currency)
func MatchDigest(m *Match) string {
	data := fmt.Sprintf("%s|%s|%s|%.6f|%s", m.ID, m.BuyerBidID, m.SellerBidID, m.Price.Amount, m.Price.Currency)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ReceiptHash computes the hash stored in a transaction receipt.
//
// Formula: SHA256(match_id|transaction_id|sprintf("%.6f", amount)|currency|timestamp_rfc3339nano|status)
func ReceiptHash(matchID, transactionID string, price PriceSpecification, ts time.Time, status TransactionStatus) string {
	data := fmt.Sprintf("%s|%s|%.6f|%s|%s|%s",
		matchID, transactionID, price.Amount, price.Currency, ts.UTC().Format(time.RFC3339Nano), status)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
