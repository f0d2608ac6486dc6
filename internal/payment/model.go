package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RailID identifies one of the supported payment rails. The set is closed.
type RailID string

const (
	RailEthereum   RailID = "ethereum"
	RailSolana     RailID = "solana"
	RailBinancePay RailID = "binance_pay"
)

var AllRails = []RailID{RailEthereum, RailSolana, RailBinancePay}

var (
	ErrUnknownRailID          = errors.New("unknown payment rail")
	ErrReceiverIssuanceFailed = errors.New("receiver issuance failed")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrOrderNotFound          = errors.New("order not found")
)

func ParseRailID(s string) (RailID, error) {
	for _, id := range AllRails {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRailID, s)
}

// OnChain reports whether the rail settles on a public chain.
func (r RailID) OnChain() bool {
	return r == RailEthereum || r == RailSolana
}

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "PENDING"
	SettlementConfirmed SettlementStatus = "CONFIRMED"
	SettlementUnderpaid SettlementStatus = "UNDERPAID"
	SettlementNotFound  SettlementStatus = "NOT_FOUND"
	SettlementError     SettlementStatus = "ERROR"
)

// Quote is a rail-native price for a fiat amount at a point in time.
type Quote struct {
	Rail         RailID          `json:"rail_id"`
	NativeAmount decimal.Decimal `json:"native_amount"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	Currency     string          `json:"currency"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	QuotedAt     time.Time       `json:"quoted_at"`
}

func (q Quote) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(q.QuotedAt) > maxAge
}

type IssueRequest struct {
	UserID   int64
	PlanID   string
	Amount   decimal.Decimal
	Currency string
}

// Receiver is where a user pays: a chain address or a custodial order id.
type Receiver struct {
	Reference string
	Link      string // checkout/QR link for custodial orders
}

type Reference struct {
	Receiver string
	TxID     string // user supplied transaction id, on-chain rails only
}

type Settlement struct {
	Status        SettlementStatus
	Received      decimal.Decimal
	Confirmations uint64
}

// Transfer is what a chain reports for one transaction.
type Transfer struct {
	// Credits maps each address to the net amount it received, in native units.
	// Address keys are normalized by the chain client. Nil means the chain has
	// seen the transaction but cannot report balances yet.
	Credits       map[string]decimal.Decimal
	Confirmations uint64
	Failed        bool
}

// Rail is the capability every payment rail implements.
type Rail interface {
	ID() RailID
	IssueReceiver(ctx context.Context, req IssueRequest) (Receiver, error)
	// CheckSettlement is read-only and may be repeated freely.
	CheckSettlement(ctx context.Context, ref Reference, expected decimal.Decimal) (Settlement, error)
}
