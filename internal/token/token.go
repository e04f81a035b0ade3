// Package token signs approval tokens. A token binds a flow ID to the set of
// recommendation IDs that were presented for approval, so an approval cannot
// be replayed against a different flow or a different recommendation set.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalid  = errors.New("invalid token")
	ErrExpired  = errors.New("token expired")
	ErrMismatch = errors.New("token does not cover this approval")
)

// Limits that keep tokens small enough for headers and query strings.
const (
	MaxIDs      = 100
	MaxIDLength = 128
)

type payload struct {
	FlowID string   `json:"f"`
	IDs    []string `json:"ids"`
	TS     int64    `json:"t"`
}

// Claims are the verified contents of a token.
type Claims struct {
	FlowID   string
	IDs      []string // Sorted.
	IssuedAt time.Time
}

// Covers reports whether every id in ids was presented when the token was issued.
func (c Claims) Covers(ids []string) bool {
	for _, id := range ids {
		i := sort.SearchStrings(c.IDs, id)
		if i == len(c.IDs) || c.IDs[i] != id {
			return false
		}
	}
	return true
}

func validateIDs(flowID string, ids []string) error {
	if flowID == "" {
		return fmt.Errorf("flow id cannot be empty")
	}
	if len(ids) > MaxIDs {
		return fmt.Errorf("too many recommendation ids: %d (max %d)", len(ids), MaxIDs)
	}
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("recommendation id cannot be empty")
		}
		if len(id) > MaxIDLength {
			return fmt.Errorf("recommendation id too long: %d chars (max %d)", len(id), MaxIDLength)
		}
	}
	return nil
}

// Generate creates a signed token for flowID and ids.
func Generate(flowID string, ids []string, secret []byte) (string, error) {
	return GenerateAt(flowID, ids, secret, time.Now())
}

// GenerateAt is Generate with an explicit issue time.
func GenerateAt(flowID string, ids []string, secret []byte, at time.Time) (string, error) {
	if err := validateIDs(flowID, ids); err != nil {
		return "", fmt.Errorf("approval token: %w", err)
	}
	sorted := append([]string{}, ids...)
	sort.Strings(sorted)

	data, err := json.Marshal(payload{FlowID: flowID, IDs: sorted, TS: at.Unix()})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sig), nil
}

// Verify checks the token integrity and expiry and returns its claims.
// A non-positive ttl disables the expiry check.
func Verify(token string, secret []byte, ttl time.Duration) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalid
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return Claims{}, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return Claims{}, ErrInvalid
	}
	issued := time.Unix(pl.TS, 0)
	if ttl > 0 && time.Since(issued) > ttl {
		return Claims{}, ErrExpired
	}
	return Claims{FlowID: pl.FlowID, IDs: pl.IDs, IssuedAt: issued}, nil
}

// VerifyApproval verifies token and checks that it was issued for flowID and
// covers every id being approved.
func VerifyApproval(token string, secret []byte, ttl time.Duration, flowID string, ids []string) error {
	c, err := Verify(token, secret, ttl)
	if err != nil {
		return err
	}
	if c.FlowID != flowID || !c.Covers(ids) {
		return ErrMismatch
	}
	return nil
}
