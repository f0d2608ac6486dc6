package rail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signalbot/internal/payment"
	"signalbot/internal/payment/binancepay"
)

// CustodialClient is implemented by binancepay.Client.
type CustodialClient interface {
	CreateOrder(ctx context.Context, req binancepay.OrderRequest) (*binancepay.Order, error)
	GetOrder(ctx context.Context, tradeNo string) (*binancepay.OrderStatus, error)
}

// Custodial settles through a merchant order held by a third party.
type Custodial struct {
	id         payment.RailID
	client     CustodialClient
	newTradeNo func() string
}

var _ payment.Rail = (*Custodial)(nil)
var _ CustodialClient = (*binancepay.Client)(nil)

func NewCustodial(id payment.RailID, client CustodialClient) *Custodial {
	return &Custodial{id: id, client: client, newTradeNo: newTradeNo}
}

func newTradeNo() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (r *Custodial) ID() payment.RailID { return r.id }

func (r *Custodial) IssueReceiver(ctx context.Context, req payment.IssueRequest) (payment.Receiver, error) {
	tradeNo := r.newTradeNo()
	order, err := r.client.CreateOrder(ctx, binancepay.OrderRequest{
		TradeNo:     tradeNo,
		Amount:      req.Amount,
		Currency:    req.Currency,
		PlanID:      req.PlanID,
		Description: req.PlanID + " subscription",
	})
	if err != nil {
		return payment.Receiver{}, fmt.Errorf("%w: %s: %v", payment.ErrReceiverIssuanceFailed, r.id, err)
	}
	return payment.Receiver{Reference: tradeNo, Link: order.CheckoutURL}, nil
}

func (r *Custodial) CheckSettlement(ctx context.Context, ref payment.Reference, expected decimal.Decimal) (payment.Settlement, error) {
	st, err := r.client.GetOrder(ctx, ref.Receiver)
	if errors.Is(err, payment.ErrOrderNotFound) {
		return payment.Settlement{Status: payment.SettlementNotFound}, nil
	}
	if err != nil {
		return payment.Settlement{Status: payment.SettlementError}, fmt.Errorf("%s: %w", r.id, err)
	}

	switch st.Status {
	case binancepay.StatusPaid:
		if !st.Amount.IsZero() && st.Amount.LessThan(expected) {
			return payment.Settlement{Status: payment.SettlementUnderpaid, Received: st.Amount}, nil
		}
		return payment.Settlement{Status: payment.SettlementConfirmed, Received: st.Amount}, nil
	case binancepay.StatusInitial, binancepay.StatusPending:
		return payment.Settlement{Status: payment.SettlementPending}, nil
	default:
		return payment.Settlement{Status: payment.SettlementNotFound}, nil
	}
}
