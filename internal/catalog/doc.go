// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog holds domains, weight profiles and tenant overrides as an
// immutable, versioned lookup table, and resolves the effective profile for
// a request.
//
// Readers take a snapshot with Holder.Current and keep it for the whole
// request. Writers stage edits on a Builder:
//
//	next, err := holder.Update(func(b *catalog.Builder) error {
//	    _, err := b.PublishProfile(profile) // becomes version N+1
//	    return err
//	})
//
// Resolution order is explicit override (when permitted), tenant binding,
// domain default, then BALANCED.
package catalog
