package solana

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"signalbot/internal/payment"
	"signalbot/internal/payment/repository"
	"signalbot/internal/payment/rpc"
	"signalbot/pkg/seal"
)

const (
	lamportsExp = -9
	// Depth reported for finalized signatures, whose confirmation count the node omits.
	finalizedDepth = 32
)

// Client mints receiver keypairs locally and reads transfers from a Solana RPC node.
type Client struct {
	node   rpc.Caller
	keys   repository.KeysRepository
	sealer *seal.Sealer
}

func NewClient(node rpc.Caller, keys repository.KeysRepository, sealer *seal.Sealer) *Client {
	return &Client{node: node, keys: keys, sealer: sealer}
}

// CreateReceiver generates a keypair, stores the sealed private key and
// returns the base58 address. The address is unusable if the key is not stored.
func (c *Client) CreateReceiver(ctx context.Context, userID int64) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate keypair: %w", err)
	}
	sealed, err := c.sealer.Seal(priv)
	if err != nil {
		return "", fmt.Errorf("seal key: %w", err)
	}
	address := EncodeBase58(pub)
	err = c.keys.SaveKey(ctx, repository.ReceiverKey{
		Rail:      payment.RailSolana,
		Address:   address,
		UserID:    userID,
		SealedKey: sealed,
	})
	if err != nil {
		return "", err
	}
	return address, nil
}

type signatureStatus struct {
	Slot               uint64  `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	Err                any     `json:"err"`
	ConfirmationStatus string  `json:"confirmationStatus"`
}

type signatureStatuses struct {
	Value []*signatureStatus `json:"value"`
}

type rpcTransaction struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err          any      `json:"err"`
		PreBalances  []uint64 `json:"preBalances"`
		PostBalances []uint64 `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

func (c *Client) GetTransaction(ctx context.Context, signature string) (*payment.Transfer, error) {
	if raw, err := DecodeBase58(signature); err != nil || len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: malformed signature %q", payment.ErrTransactionNotFound, signature)
	}

	var statuses signatureStatuses
	err := c.node.Call(ctx, "getSignatureStatuses", &statuses,
		[]string{signature}, map[string]any{"searchTransactionHistory": true})
	if err != nil {
		return nil, err
	}
	if len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return nil, payment.ErrTransactionNotFound
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return &payment.Transfer{Credits: map[string]decimal.Decimal{}, Failed: true}, nil
	}

	var tx *rpcTransaction
	err = c.node.Call(ctx, "getTransaction", &tx, signature, map[string]any{
		"encoding":                       "json",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return nil, err
	}
	// seen by the cluster but not yet confirmed; balances are not available
	if tx == nil || tx.Meta == nil {
		return &payment.Transfer{}, nil
	}
	if tx.Meta.Err != nil {
		return &payment.Transfer{Credits: map[string]decimal.Decimal{}, Failed: true}, nil
	}

	keys := tx.Transaction.Message.AccountKeys
	if len(tx.Meta.PreBalances) < len(keys) || len(tx.Meta.PostBalances) < len(keys) {
		return nil, fmt.Errorf("transaction %s: balance arrays shorter than account keys", signature)
	}
	transfer := &payment.Transfer{Credits: make(map[string]decimal.Decimal)}
	for i, key := range keys {
		pre, post := tx.Meta.PreBalances[i], tx.Meta.PostBalances[i]
		if post <= pre {
			continue
		}
		delta := decimal.NewFromBigInt(new(big.Int).SetUint64(post-pre), lamportsExp)
		transfer.Credits[key] = transfer.Credits[key].Add(delta)
	}

	transfer.Confirmations = finalizedDepth
	if status.Confirmations != nil {
		transfer.Confirmations = *status.Confirmations
	}
	return transfer, nil
}
