package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when no stored hash exists, so a miss costs the same as a mismatch.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("ocsafe-dummy-password"), bcrypt.MinCost)

// BcryptCost clamps cost to bcrypt's valid range. A cost of 0 or less selects bcrypt.DefaultCost.
func BcryptCost(cost int) int {
	switch {
	case cost <= 0:
		return bcrypt.DefaultCost
	case cost < bcrypt.MinCost:
		return bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		return bcrypt.MaxCost
	}
	return cost
}

// PasswordHasher hashes and checks dashboard user passwords with a configured bcrypt cost.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher using the clamped cost.
func NewPasswordHasher(cost int) *PasswordHasher {
	return &PasswordHasher{cost: BcryptCost(cost)}
}

// Cost returns the bcrypt cost in use.
func (h *PasswordHasher) Cost() int { return h.cost }

// Hash hashes a plain password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	return string(b), err
}

// Check compares a plain password with a hash. An empty hash is checked against a dummy and never matches.
func (h *PasswordHasher) Check(plain, hashed string) bool {
	if hashed == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(plain))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}
