// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads rigroute configuration.
//
// Precedence, highest first:
//   - Environment variables (RIGROUTE_<SECTION>_<KEY>)
//   - The TOML file (--config, else ~/.rigroute/config.toml)
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	mgr := thermal.NewManager(cfg.ThermalManagerConfig(), prov)
package config
