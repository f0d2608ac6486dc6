package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"signalbot/internal/payment"
	"signalbot/internal/payment/rpc"
)

const weiExp = -18

// Client reads transfers from an Ethereum node and mints receivers on a
// keystore-backed signer (personal_newAccount).
type Client struct {
	node       rpc.Caller
	signer     rpc.Caller
	passphrase string
}

func NewClient(node, signer rpc.Caller, passphrase string) *Client {
	return &Client{node: node, signer: signer, passphrase: passphrase}
}

type rpcTransaction struct {
	Hash        string  `json:"hash"`
	To          *string `json:"to"`
	Value       string  `json:"value"`
	BlockNumber *string `json:"blockNumber"`
}

type rpcReceipt struct {
	Status string `json:"status"`
}

// CreateReceiver asks the signer for a fresh account; the key never leaves it.
func (c *Client) CreateReceiver(ctx context.Context, _ int64) (string, error) {
	if c.signer == nil {
		return "", errors.New("ethereum signer is not configured")
	}
	var address string
	if err := c.signer.Call(ctx, "personal_newAccount", &address, c.passphrase); err != nil {
		return "", err
	}
	if !isAddress(address) {
		return "", fmt.Errorf("signer returned malformed address %q", address)
	}
	return NormalizeAddress(address), nil
}

func (c *Client) GetTransaction(ctx context.Context, txHash string) (*payment.Transfer, error) {
	if !isTxHash(txHash) {
		return nil, fmt.Errorf("%w: malformed hash %q", payment.ErrTransactionNotFound, txHash)
	}

	var tx *rpcTransaction
	if err := c.node.Call(ctx, "eth_getTransactionByHash", &tx, txHash); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, payment.ErrTransactionNotFound
	}

	wei, err := parseQuantity(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("tx value: %w", err)
	}
	transfer := &payment.Transfer{Credits: map[string]decimal.Decimal{}}
	if tx.To != nil {
		transfer.Credits[NormalizeAddress(*tx.To)] = decimal.NewFromBigInt(wei, weiExp)
	}

	// still in the mempool
	if tx.BlockNumber == nil {
		return transfer, nil
	}

	var receipt *rpcReceipt
	if err := c.node.Call(ctx, "eth_getTransactionReceipt", &receipt, txHash); err != nil {
		return nil, err
	}
	if receipt != nil && receipt.Status != "" && receipt.Status != "0x1" {
		transfer.Failed = true
		return transfer, nil
	}

	var headHex string
	if err := c.node.Call(ctx, "eth_blockNumber", &headHex); err != nil {
		return nil, err
	}
	head, err := parseQuantity(headHex)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	block, err := parseQuantity(*tx.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("tx block: %w", err)
	}
	if head.Cmp(block) > 0 {
		transfer.Confirmations = new(big.Int).Sub(head, block).Uint64()
	}
	return transfer, nil
}

// NormalizeAddress lower-cases an address so checksummed and plain forms compare equal.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func parseQuantity(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}

func isAddress(s string) bool {
	return len(s) == 42 && strings.HasPrefix(s, "0x") && isHex(s[2:])
}

func isTxHash(s string) bool {
	return len(s) == 66 && strings.HasPrefix(s, "0x") && isHex(s[2:])
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
