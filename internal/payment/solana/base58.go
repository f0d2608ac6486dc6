package solana

import (
	"errors"
	"math/big"
)

const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var (
	errInvalidBase58 = errors.New("invalid base58 string")
	bigRadix         = big.NewInt(58)
)

var alphaIdx [256]int8

func init() {
	for i := range alphaIdx {
		alphaIdx[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		alphaIdx[alphabet[i]] = int8(i)
	}
}

// EncodeBase58 uses the Bitcoin alphabet, as Solana addresses do.
func EncodeBase58(b []byte) string {
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}
	n := new(big.Int).SetBytes(b)
	mod := new(big.Int)
	out := make([]byte, 0, len(b)*138/100+1)
	for n.Sign() > 0 {
		n.DivMod(n, bigRadix, mod)
		out = append(out, alphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func DecodeBase58(s string) ([]byte, error) {
	if s == "" {
		return nil, errInvalidBase58
	}
	n := new(big.Int)
	zeros := 0
	for zeros < len(s) && s[zeros] == alphabet[0] {
		zeros++
	}
	for i := 0; i < len(s); i++ {
		v := alphaIdx[s[i]]
		if v < 0 {
			return nil, errInvalidBase58
		}
		n.Mul(n, bigRadix)
		n.Add(n, big.NewInt(int64(v)))
	}
	body := n.Bytes()
	out := make([]byte, zeros+len(body))
	copy(out[zeros:], body)
	return out, nil
}

// IsAddress reports whether s decodes to a 32-byte public key.
func IsAddress(s string) bool {
	b, err := DecodeBase58(s)
	return err == nil && len(b) == 32
}
