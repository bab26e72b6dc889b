package paylink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// DefaultSignatureLength keeps signatures compatible with links already in
// circulation.
const DefaultSignatureLength = 16

// SignedFields are the link fields covered by the signature.
type SignedFields struct {
	To       string
	Amount   string
	Token    string
	ExpiryMs int64
	Memo     string
}

// Canonical renders the fields as sorted key=value pairs joined by '&'.
// Addresses are lower-cased and token symbols upper-cased first.
func (f SignedFields) Canonical() string {
	fields := map[string]string{
		"amount": f.Amount,
		"expiry": strconv.FormatInt(f.ExpiryMs, 10),
		"memo":   f.Memo,
		"to":     strings.ToLower(f.To),
		"token":  strings.ToUpper(f.Token),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, "&")
}

// Sign returns the hex HMAC-SHA256 of data truncated to length characters.
// A non-positive length returns the full digest.
func Sign(data string, secret []byte, length int) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	sig := hex.EncodeToString(mac.Sum(nil))
	if length > 0 && length < len(sig) {
		return sig[:length]
	}
	return sig
}

// Equal compares signatures in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
