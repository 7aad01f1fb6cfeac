package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const backupCodeCount = 10

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// ValidateTOTP checks code against secret at t, allowing one period of skew
// either side.
func ValidateTOTP(secret, code string, t time.Time) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, t.UTC(), totpOpts)
	return err == nil && ok
}

// GenerateTOTPKey creates a new TOTP secret for account.
func GenerateTOTPKey(issuer, account string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return key, nil
}

func normalizeBackupCode(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// GenerateBackupCodes returns n single-use codes in display form and their
// bcrypt hashes. Only the hashes are stored.
func GenerateBackupCodes(n int, cost int) (plain, hashed []string, err error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	for i := 0; i < n; i++ {
		b := make([]byte, 5)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		raw := hex.EncodeToString(b)
		h, err := hashWithCost(raw, cost)
		if err != nil {
			return nil, nil, err
		}
		plain = append(plain, raw[:5]+"-"+raw[5:])
		hashed = append(hashed, h)
	}
	return plain, hashed, nil
}

// MatchBackupCode returns the index of the hash matching code, or -1.
func MatchBackupCode(hashes []string, code string) int {
	c := normalizeBackupCode(code)
	if len(c) != 10 {
		return -1
	}
	for i, h := range hashes {
		if ComparePassword(h, c) {
			return i
		}
	}
	return -1
}
