// Package actiontoken issues single-use tokens that let a notified user act on a
// stage from a link without a session.
package actiontoken

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalid is returned for unknown, expired or already redeemed tokens.
var ErrInvalid = errors.New("action token invalid or expired")

type Claim struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	IssuedAt      string `json:"issued_at"`
}

type Store interface {
	Issue(ctx context.Context, c Claim) (string, error)
	// Redeem returns the claim and removes the token.
	Redeem(ctx context.Context, token string) (Claim, error)
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "slt_" + hex.EncodeToString(buf), nil
}

func validClaim(c Claim) error {
	if strings.TrimSpace(c.TransactionID) == "" || strings.TrimSpace(c.UserID) == "" {
		return errors.New("claim requires transaction_id and user_id")
	}
	return nil
}
