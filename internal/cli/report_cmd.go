// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/report"
)

const reportUsage = "rigroute report [compliance|bundle --output FILE|verify-bundle FILE] [--domain ID] [--tenant ID] [--since TIME] [--until TIME] [--format md|json]"

// report handles "rigroute report".
func (a *App) report(ctx context.Context) error {
	p, sub, err := a.subcommand(reportUsage, nil, "compliance", "bundle", "verify-bundle")
	if err != nil {
		return err
	}
	if sub == "verify-bundle" {
		return a.verifyBundle(p.Positional(1))
	}

	opts, err := a.reportOptions(p)
	if err != nil {
		return err
	}
	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	h, err := chainHasher(a.Config)
	if err != nil {
		return err
	}
	src := report.Sources{
		Models:   st.registry.Snapshot().Models(),
		Catalog:  st.catalog.Current(),
		Store:    st.db,
		Hasher:   h,
		Resolver: catalog.NewResolver(a.Config.ResolverConfig()),
		Now:      a.Now,
	}

	if sub == "bundle" {
		return a.writeBundle(ctx, src, opts, p.Flag("output"))
	}

	rep, err := report.Generate(ctx, src, opts)
	if err != nil {
		return err
	}
	format := strings.ToLower(p.FlagOrDefault("format", "md"))
	switch {
	case a.args.JSON:
		return a.writeJSON(rep)
	case format == "json":
		return NewJSONResponse("report", rep).Write(a.Out)
	case format == "md" || format == "markdown":
	default:
		return NewValidationErrorWithExample("format", format, "must be md or json", "--format json")
	}

	md := rep.Markdown()
	if isTerminalWriter(a.Out) && ColorsEnabled() {
		if rendered, err := report.Render(md, terminalWidth(a.Out)); err == nil {
			md = rendered
		} else {
			a.Log.Debug().Err(err).Msg("markdown render failed, printing raw")
		}
	}
	fmt.Fprint(a.Out, md)
	return nil
}

func (a *App) reportOptions(p *ArgParser) (report.Options, error) {
	now := a.Now()
	since, err := p.FlagTime("since", now)
	if err != nil {
		return report.Options{}, err
	}
	until, err := p.FlagTime("until", now)
	if err != nil {
		return report.Options{}, err
	}
	if !since.IsZero() && !until.IsZero() && until.Before(since) {
		return report.Options{}, NewValidationError("until", p.Flag("until"), "must not be before --since")
	}
	return report.Options{
		TenantID: p.Flag("tenant"),
		DomainID: p.Flag("domain"),
		Since:    since,
		Until:    until,
	}, nil
}

// writeBundle collects evidence and writes the archive atomically.
func (a *App) writeBundle(ctx context.Context, src report.Sources, opts report.Options, output string) error {
	if output == "" {
		return &UsageError{Usage: "rigroute report bundle --output FILE", Hint: "example: --output evidence.tar.gz"}
	}
	path, err := ValidateOutputPath(output)
	if err != nil {
		return NewValidationError("output", output, err.Error())
	}
	ev, err := report.CollectEvidence(ctx, src, opts)
	if err != nil {
		return err
	}
	if err := ev.SaveBundle(path); err != nil {
		return NewCommandError("report", "bundle", err)
	}
	a.Log.Info().Str("path", path).Int("files", len(ev.Files)).Msg("evidence bundle written")

	if a.args.JSON {
		files := make(map[string]string, len(ev.Files))
		for _, f := range ev.Files {
			files[f.Name] = f.SHA256
		}
		return a.writeJSON(map[string]any{
			"path":         path,
			"files":        files,
			"chains_valid": ev.Report.ChainsValid(),
		})
	}
	fmt.Fprintf(a.Out, "%s wrote %s\n", RenderStatus("ok"), path)
	for _, f := range ev.Files {
		fmt.Fprintf(a.Out, "  %s  %s\n", DimStyle.Render(f.SHA256[:12]), f.Name)
	}
	if !ev.Report.ChainsValid() {
		fmt.Fprintf(a.Out, "%s the bundle records audit chain issues\n", RenderStatus("warn"))
	}
	return nil
}

// verifyBundle checks every archive member against its manifest. Any
// mismatch is an error.
func (a *App) verifyBundle(path string) error {
	if path == "" {
		return &UsageError{Usage: "rigroute report verify-bundle FILE"}
	}
	f, err := os.Open(path)
	if err != nil {
		return NewValidationError("bundle", path, err.Error())
	}
	defer f.Close()

	verified, err := report.VerifyBundle(f)
	if err != nil {
		return fmt.Errorf("bundle %s failed verification: %w", path, err)
	}
	if a.args.JSON {
		return a.writeJSON(map[string]any{"path": path, "valid": true, "verified": verified})
	}
	fmt.Fprintf(a.Out, "%s %s: %d files match %s\n", RenderStatus("ok"), path, len(verified), report.FileManifest)
	return nil
}
