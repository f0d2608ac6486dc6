package dto

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"signalbot/internal/entitlement"
	"signalbot/internal/payment"
	"signalbot/internal/subscription"
)

var Validate = validator.New()

type SelectPlanRequest struct {
	PlanID string `json:"plan_id" validate:"required,max=64"`
}

type VerifyRequest struct {
	RailID string `json:"rail_id" validate:"required,oneof=ethereum solana binance_pay"`
	// on-chain rails only: transaction hash or signature the user paid with
	TxID string `json:"tx_id" validate:"omitempty,max=128,alphanum"`
}

type PlanResponse struct {
	ID           string          `json:"id"`
	FiatPrice    decimal.Decimal `json:"fiat_price"`
	DurationDays int             `json:"duration_days"`
}

func NewPlansResponse(plans []subscription.Plan) []PlanResponse {
	out := make([]PlanResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, PlanResponse{ID: p.ID, FiatPrice: p.FiatPrice, DurationDays: p.DurationDays})
	}
	return out
}

type PaymentOptionResponse struct {
	RailID       payment.RailID  `json:"rail_id"`
	Receiver     string          `json:"receiver"`
	PaymentLink  string          `json:"payment_link,omitempty"`
	NativeAmount decimal.Decimal `json:"native_amount"`
	Currency     string          `json:"currency"`
	IssuedAt     time.Time       `json:"issued_at"`
}

type OptionsResponse struct {
	PlanID  string                  `json:"plan_id"`
	Options []PaymentOptionResponse `json:"options"`
}

// NewOptionsResponse lists options in rail order so clients render them stably.
func NewOptionsResponse(opts map[payment.RailID]subscription.PaymentOption) OptionsResponse {
	resp := OptionsResponse{Options: make([]PaymentOptionResponse, 0, len(opts))}
	for _, id := range payment.AllRails {
		o, ok := opts[id]
		if !ok {
			continue
		}
		resp.PlanID = o.PlanID
		resp.Options = append(resp.Options, PaymentOptionResponse{
			RailID:       o.Rail,
			Receiver:     o.Receiver,
			PaymentLink:  o.PaymentLink,
			NativeAmount: o.NativeAmount,
			Currency:     o.Currency,
			IssuedAt:     o.IssuedAt,
		})
	}
	return resp
}

type VerifyResponse struct {
	Status          string                   `json:"status"`
	Reason          string                   `json:"reason,omitempty"`
	Received        *decimal.Decimal         `json:"received,omitempty"`
	Confirmations   uint64                   `json:"confirmations,omitempty"`
	ReissueRequired bool                     `json:"reissue_required,omitempty"`
	AlreadyGranted  bool                     `json:"already_granted,omitempty"`
	Entitlement     *entitlement.Entitlement `json:"entitlement,omitempty"`
}
