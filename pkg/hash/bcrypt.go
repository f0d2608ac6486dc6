package hash

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is used when HashPassword is given a zero cost.
const DefaultCost = bcrypt.DefaultCost

// HashPassword hashes p with the given bcrypt work factor. Zero selects
// DefaultCost; anything outside bcrypt's range is rejected rather than clamped.
func HashPassword(p string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("bcrypt cost %d outside [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(p), cost)
	return string(bytes), err
}

func CheckPassword(hashed, plain string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}

// Cost reports the work factor a hash was made with. It fails on anything
// that is not a bcrypt hash.
func Cost(hashed string) (int, error) {
	return bcrypt.Cost([]byte(hashed))
}
