package utils

import (
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashOpsKey produces the value to store in OPS_API_KEY_HASH.
func HashOpsKey(key string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyOpsKey checks a presented X-Ops-Key against OPS_API_KEY_HASH.
// An unset hash disables key auth entirely.
func VerifyOpsKey(presented string) bool {
	hashed := strings.TrimSpace(os.Getenv("OPS_API_KEY_HASH"))
	if hashed == "" || presented == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(presented)) == nil
}
