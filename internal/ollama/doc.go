// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama drives self-hosted models served by an Ollama daemon.
//
// The router never sends prompts through this package. It only loads and
// unloads weights so the thermal manager can move a model between COLD and
// HOT, and reports whether a model is installed for the registry refresher.
//
// # Key Types
//
//   - Client: HTTP client for the Ollama model-management endpoints
//   - Provisioner: thermal.Provisioner backed by keep_alive load/unload
//   - Prober: registry.Prober that checks the local model list
//
// # Usage
//
//	client := ollama.NewClient(ollama.DefaultConfig())
//	mgr := thermal.NewManager(cfg, ollama.NewProvisioner(client, nil))
//	ref := registry.NewRefresher(reg, registry.ByProvider{
//	    Providers: map[string]registry.Prober{"ollama": ollama.NewProber(client, nil, 10*time.Second)},
//	}, refCfg, log)
package ollama
