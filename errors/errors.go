// Package errors provides error handling for Loom.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, sql.ErrNoRows) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel support
var (
	Join          = crdb.Join
	CombineErrors = crdb.CombineErrors
	Mark          = crdb.Mark
)
