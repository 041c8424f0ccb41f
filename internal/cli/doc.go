// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigroute administrative command line.
//
// Every command loads the configuration, opens the sqlite store and rebuilds
// the registry and catalog from it, so changes made by one invocation are
// seen by the next and by a running server after restart.
//
// # Key Types
//
//   - Command: the top-level command word
//   - Args: global flags plus the raw arguments after the command
//   - App: writers, clock, config and logger shared by every handler
//   - ArgParser: per-command flag parsing
//
// # Usage
//
//	os.Exit(cli.Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
//
// # Commands Overview
//
// Catalog administration:
//   - models, profiles, domains: inspect and change the catalog
//   - catalog: import and export manifests
//
// Selection and evidence:
//   - select: dry-run (or --record) a selection
//   - audit: search, verify and purge the decision chains
//   - report: compliance reports and evidence bundles
//   - thermal: persisted thermal states
//
// Operations:
//   - serve: HTTP server and background loops
//   - doctor: configuration and backend checks
//
// All commands support --json. Exit codes: 0 success, 1 validation error,
// 2 no eligible model, 3 backend unavailable.
package cli
