package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/bull/ragdesk/internal/apperr"
)

var (
	ErrZeroBalance        = errors.New("token balance is zero")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

func zeroBalance(tenantID string) error {
	return apperr.Wrap(fmt.Errorf("%w: tenant %s", ErrZeroBalance, tenantID),
		apperr.CategoryQuotaExceeded, apperr.CodeZeroBalance,
		"Your token balance is used up. Recharge to continue.", false)
}

func insufficient(tenantID string, available, need int64) error {
	return apperr.Wrap(fmt.Errorf("%w: tenant %s has %d available, needs %d", ErrInsufficientTokens, tenantID, available, need),
		apperr.CategoryQuotaExceeded, apperr.CodeInsufficientTokens,
		"Not enough tokens for this operation. Recharge to continue.", false)
}

func rateLimited(tenantID string, retryAfter time.Duration) error {
	return apperr.Wrap(fmt.Errorf("%w: tenant %s, retry in %s", ErrRateLimitExceeded, tenantID, retryAfter.Round(time.Second)),
		apperr.CategoryQuotaExceeded, apperr.CodeRateLimitExceeded,
		fmt.Sprintf("Too many messages. Wait %s and retry.", retryAfter.Round(time.Second)), true)
}
