package ledger

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const pinCost = 10

// Secrets derives the lookup hashes for redemption codes and track data.
// Both are keyed so a leaked table cannot be brute-forced offline without
// the pepper.
type Secrets struct {
	pepper []byte
}

// NewSecrets creates a hasher keyed by pepper
func NewSecrets(pepper string) *Secrets {
	return &Secrets{pepper: []byte(pepper)}
}

// HashCode returns the lookup hash of a redemption code. Codes are matched
// case-insensitively and ignoring separators.
func (s *Secrets) HashCode(code string) string {
	return s.keyed("code", NormalizeCode(code))
}

// HashTrack returns the lookup hash of magnetic-stripe track data
func (s *Secrets) HashTrack(track string) string {
	return s.keyed("track", strings.TrimSpace(track))
}

func (s *Secrets) keyed(purpose, value string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeCode upper-cases a code and strips spaces and dashes
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HashPIN hashes a card PIN with bcrypt
func HashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), pinCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPIN compares a bcrypt hash with a plaintext PIN
func CheckPIN(hash, pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}

// GenerateCode returns a 16 character redemption code grouped as
// XXXX-XXXX-XXXX-XXXX.
func GenerateCode() (string, error) {
	raw := make([]byte, 16)
	base := big.NewInt(int64(len(codeAlphabet)))
	for i := range raw {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("generating code: %w", err)
		}
		raw[i] = codeAlphabet[n.Int64()]
	}
	s := string(raw)
	return s[0:4] + "-" + s[4:8] + "-" + s[8:12] + "-" + s[12:16], nil
}

// GenerateCardNumber returns a 16 digit number starting with prefix and
// ending in a Luhn check digit.
func GenerateCardNumber(prefix string) (string, error) {
	if len(prefix) >= 15 {
		return "", fmt.Errorf("card number prefix %q too long", prefix)
	}
	digits := []byte(prefix)
	for len(digits) < 15 {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generating card number: %w", err)
		}
		digits = append(digits, byte('0'+n.Int64()))
	}
	return string(digits) + string(luhnDigit(string(digits))), nil
}

// ValidCardNumber checks length and Luhn checksum
func ValidCardNumber(number string) bool {
	if len(number) != 16 {
		return false
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return false
		}
	}
	return luhnDigit(number[:15]) == number[15]
}

func luhnDigit(payload string) byte {
	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		d := int(payload[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return byte('0' + (10-sum%10)%10)
}
