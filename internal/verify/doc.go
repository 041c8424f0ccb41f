// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package verify implements the divergence gate applied to strict-domain
// selections.
package verify
