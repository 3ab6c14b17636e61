// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package privstore

import (
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
)

// ErrConstraint reports a uniqueness or integrity violation: the
// requested write conflicts with the current relation (for example,
// adding an application name that already exists for the user). The
// store is left unchanged; the requesting client's operation is
// rejected, the daemon continues.
var ErrConstraint = errors.New("privstore: constraint violation")

// ErrInternal reports an unexpected storage engine fault after
// construction. Fatal to the in-flight request, never to the daemon.
var ErrInternal = errors.New("privstore: internal storage fault")

// classify wraps a storage engine error with the taxonomy kind the
// caller dispatches on. SQLite constraint results map to
// ErrConstraint; everything else is ErrInternal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrInternal
	if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
		kind = ErrConstraint
	}
	return fmt.Errorf("%s: %w: %v", op, kind, err)
}
