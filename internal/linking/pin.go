package linking

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	pinDigits      = 6
	defaultPinCost = 10
)

var pinSpace = big.NewInt(1_000_000)

// newPin returns a uniformly random 6 digit PIN.
func newPin() (string, error) {
	n, err := rand.Int(rand.Reader, pinSpace)
	if err != nil {
		return "", fmt.Errorf("generating pin: %w", err)
	}
	return fmt.Sprintf("%0*d", pinDigits, n.Int64()), nil
}

// hashPin hashes a PIN using bcrypt
func hashPin(pin string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", fmt.Errorf("hashing pin: %w", err)
	}
	return string(b), nil
}

// checkPin compares a PIN with a hash
func checkPin(pin, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
