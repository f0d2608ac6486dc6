package rail

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"signalbot/internal/payment"
)

// ChainClient is implemented by ethereum.Client and solana.Client.
type ChainClient interface {
	CreateReceiver(ctx context.Context, userID int64) (string, error)
	GetTransaction(ctx context.Context, txID string) (*payment.Transfer, error)
}

// LinkFunc renders a wallet deep link for a receiver and amount.
type LinkFunc func(address string, amount decimal.Decimal) string

// EthereumLink renders an EIP-681 payment URI.
func EthereumLink(address string, amount decimal.Decimal) string {
	return fmt.Sprintf("ethereum:%s?value=%s", address, amount.Shift(18).StringFixed(0))
}

// SolanaLink renders a Solana Pay transfer URI.
func SolanaLink(address string, amount decimal.Decimal) string {
	return fmt.Sprintf("solana:%s?amount=%s", address, amount.String())
}

// OnChain settles by inspecting a user-supplied transaction that credits a
// receiver address minted for the session.
type OnChain struct {
	id               payment.RailID
	chain            ChainClient
	minConfirmations uint64
	link             LinkFunc
}

var _ payment.Rail = (*OnChain)(nil)

func NewOnChain(id payment.RailID, chain ChainClient, minConfirmations uint64, link LinkFunc) *OnChain {
	return &OnChain{id: id, chain: chain, minConfirmations: minConfirmations, link: link}
}

func (r *OnChain) ID() payment.RailID { return r.id }

func (r *OnChain) IssueReceiver(ctx context.Context, req payment.IssueRequest) (payment.Receiver, error) {
	addr, err := r.chain.CreateReceiver(ctx, req.UserID)
	if err != nil {
		return payment.Receiver{}, fmt.Errorf("%w: %s: %v", payment.ErrReceiverIssuanceFailed, r.id, err)
	}
	out := payment.Receiver{Reference: addr}
	if r.link != nil {
		out.Link = r.link(addr, req.Amount)
	}
	return out, nil
}

func (r *OnChain) CheckSettlement(ctx context.Context, ref payment.Reference, expected decimal.Decimal) (payment.Settlement, error) {
	if ref.TxID == "" {
		return payment.Settlement{Status: payment.SettlementNotFound}, nil
	}

	tr, err := r.chain.GetTransaction(ctx, ref.TxID)
	if errors.Is(err, payment.ErrTransactionNotFound) {
		return payment.Settlement{Status: payment.SettlementNotFound}, nil
	}
	if err != nil {
		return payment.Settlement{Status: payment.SettlementError}, fmt.Errorf("%s: %w", r.id, err)
	}
	if tr.Failed {
		return payment.Settlement{Status: payment.SettlementNotFound}, nil
	}
	if tr.Credits == nil {
		return payment.Settlement{Status: payment.SettlementPending}, nil
	}

	received, ok := tr.Credits[ref.Receiver]
	if !ok || !received.IsPositive() {
		return payment.Settlement{Status: payment.SettlementNotFound, Confirmations: tr.Confirmations}, nil
	}
	out := payment.Settlement{Received: received, Confirmations: tr.Confirmations}
	switch {
	case received.LessThan(expected):
		out.Status = payment.SettlementUnderpaid
	case tr.Confirmations < r.minConfirmations:
		out.Status = payment.SettlementPending
	default:
		out.Status = payment.SettlementConfirmed
	}
	return out, nil
}
