// Package auth gates the lifecycle transitions that only the event operator
// may perform (end sale, select winner, cancel, withdraw owner cut).
package auth

import (
	"fmt"

	"ToteLedger/internal/wager"
)

// Authority checks submitted accounts against the configured operator set.
type Authority struct {
	operators map[string]bool
}

func NewAuthority(operators []string) *Authority {
	set := make(map[string]bool, len(operators))
	for _, op := range operators {
		if op != "" {
			set[op] = true
		}
	}
	return &Authority{operators: set}
}

// IsOperator reports whether the account holds operator authority.
func (a *Authority) IsOperator(account string) bool {
	return a.operators[account]
}

// RequireOperator returns ErrUnauthorized unless the account is an operator.
func (a *Authority) RequireOperator(account string) error {
	if !a.IsOperator(account) {
		return fmt.Errorf("%w: account %q lacks operator authority", wager.ErrUnauthorized, account)
	}
	return nil
}
