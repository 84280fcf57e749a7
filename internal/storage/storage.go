// Package storage holds what every ledger backend shares: the error values
// backends return and the rules for lock ordering and page sizes.
package storage

import (
	"errors"
	"slices"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("concurrent modification")
	ErrInsufficientFunds = errors.New("balance would become negative")
	ErrDuplicate         = errors.New("duplicate record")
	ErrBalanceOverflow   = errors.New("balance would overflow")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// LockOrder returns the distinct, non-empty ids sorted ascending. Every
// backend acquires per-account locks in this order so two transfers
// between the same pair of accounts cannot deadlock.
func LockOrder(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// PageSize clamps a requested history page size.
func PageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
