// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package ledger

import (
	"errors"
	"fmt"
)

// Rejections. The ledger state is unchanged when one of these is returned.
var (
	// ErrUnknownItem means the item is not in the catalog.
	ErrUnknownItem = errors.New("unknown item")
	// ErrInvalidAmount means the confirmed amount is not positive.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrDuplicateTransaction means a record with this id already exists.
	// The existing record is returned alongside.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	// ErrNotFound means there is no record with this id.
	ErrNotFound = errors.New("transaction not found")
	// ErrAlreadyRefunded means the record was refunded before.
	ErrAlreadyRefunded = errors.New("transaction already refunded")
)

// Warnings. The mutation was applied when one of these is returned.
var (
	// ErrPriceMismatch means the platform confirmed an amount different from
	// the catalog price. The purchase is recorded at the confirmed amount.
	ErrPriceMismatch = errors.New("price mismatch")
	// ErrPersistence means the store failed to save the ledger. The
	// in-memory state keeps the mutation.
	ErrPersistence = errors.New("persistence failed")
)

// PriceMismatchError describes a purchase whose confirmed amount disagrees
// with the catalog.
type PriceMismatchError struct {
	ID        string
	ItemID    string
	ListPrice int64
	Amount    int64
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("%v: transaction %q for item %q confirmed %d, catalog price is %d",
		ErrPriceMismatch, e.ID, e.ItemID, e.Amount, e.ListPrice)
}

func (e *PriceMismatchError) Unwrap() error { return ErrPriceMismatch }

// PersistenceError is returned when saving the ledger after op failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%v after %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// IsWarning reports whether err only carries warnings, meaning the operation
// that returned it was applied.
func IsWarning(err error) bool {
	if err == nil || isRejection(err) {
		return false
	}
	return errors.Is(err, ErrPriceMismatch) || errors.Is(err, ErrPersistence)
}

func isRejection(err error) bool {
	for _, target := range []error{
		ErrUnknownItem,
		ErrInvalidAmount,
		ErrDuplicateTransaction,
		ErrNotFound,
		ErrAlreadyRefunded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
