// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/rigroute/internal/manifest"
)

const catalogUsage = "rigroute catalog [import FILE|export FILE]"

// catalog handles "rigroute catalog import|export". Manifests are TOML or
// YAML by file extension.
func (a *App) catalog(ctx context.Context) error {
	p, sub, err := a.subcommand(catalogUsage, nil, "import", "export")
	if err != nil {
		return err
	}
	path := p.Positional(1)
	if path == "" {
		return &UsageError{Usage: catalogUsage}
	}
	if _, err := manifest.FormatFor(path); err != nil {
		return NewValidationErrorWithExample("file", path, err.Error(), "rigroute catalog export fleet.toml")
	}

	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if sub == "export" {
		out, err := ValidateOutputPath(path)
		if err != nil {
			return NewValidationError("file", path, err.Error())
		}
		f := manifest.FromState(st.registry.Snapshot().Models(), st.catalog.Current())
		if err := manifest.Save(out, f); err != nil {
			return NewCommandError("catalog", "export", err)
		}
		if a.args.JSON {
			return a.writeJSON(map[string]any{"path": out, "models": len(f.Models), "profiles": len(f.Profiles), "domains": len(f.Domains), "overrides": len(f.Overrides)})
		}
		fmt.Fprintf(a.Out, "%s exported %d models, %d profiles, %d domains, %d overrides to %s\n",
			RenderStatus("ok"), len(f.Models), len(f.Profiles), len(f.Domains), len(f.Overrides), out)
		return nil
	}

	// The applier persists through AfterApply.
	if err := st.applier.ApplyPath(path); err != nil {
		return manifestError(path, err)
	}
	snap, cat := st.registry.Snapshot(), st.catalog.Current()
	if a.args.JSON {
		return a.writeJSON(map[string]any{"path": path, "models": snap.Len(), "catalog_version": cat.Version()})
	}
	fmt.Fprintf(a.Out, "%s imported %s: %d models registered, catalog v%d\n", RenderStatus("ok"), path, snap.Len(), cat.Version())
	return nil
}
