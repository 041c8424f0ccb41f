// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/model"
)

const auditUsage = "rigroute audit [search|verify|purge --before TIME [--confirm]] [--tenant ID] [--domain ID]"

// ChainIntegrityError reports shards whose hash chain did not verify.
type ChainIntegrityError struct {
	Broken  int
	Reports []audit.Report
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain verification failed in %d shard(s)", e.Broken)
}

// ErrorData carries the shard reports into JSON error output.
func (e *ChainIntegrityError) ErrorData() any {
	return map[string]any{"chains": e.Reports}
}

// audit handles "rigroute audit".
func (a *App) audit(ctx context.Context) error {
	p, sub, err := a.subcommand(auditUsage, []string{"confirm"}, "search", "verify", "purge")
	if err != nil {
		return err
	}
	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	switch sub {
	case "verify":
		return a.auditVerify(ctx, st, p)
	case "purge":
		return a.auditPurge(ctx, st, p)
	}
	return a.auditSearch(ctx, st, p)
}

func (a *App) auditSearch(ctx context.Context, st *state, p *ArgParser) error {
	now := a.Now()
	q := audit.Query{TenantID: p.Flag("tenant"), DomainID: p.Flag("domain")}
	var err error
	if q.Since, err = p.FlagTime("since", now); err != nil {
		return err
	}
	if q.Until, err = p.FlagTime("until", now); err != nil {
		return err
	}
	if q.Limit, err = p.FlagInt("limit", 50); err != nil {
		return err
	}
	if q.Limit <= 0 {
		return NewValidationError("limit", p.Flag("limit"), "must be positive")
	}
	if o := p.Flag("outcome"); o != "" {
		switch model.Outcome(o) {
		case model.OutcomeSelected, model.OutcomeDegraded, model.OutcomeFailed:
			q.Outcome = model.Outcome(o)
		default:
			return NewValidationErrorWithExample("outcome", o, "must be selected, degraded or failed", "--outcome failed")
		}
	}

	decisions, err := st.db.SearchDecisions(ctx, q)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	if a.args.JSON {
		if decisions == nil {
			decisions = []model.SelectionDecision{}
		}
		return a.writeJSON(decisions)
	}

	fmt.Fprintln(a.Out, TitleStyle.Render(fmt.Sprintf("Decisions (%d)", len(decisions))))
	fmt.Fprintln(a.Out)
	if len(decisions) == 0 {
		fmt.Fprintln(a.Out, DimStyle.Render("  No decisions match."))
		return nil
	}
	t := newTable("CREATED", "SHARD", "SEQ", "OUTCOME", "MODEL", "PROFILE", "LATENCY", "ID")
	for _, d := range decisions {
		t.add(
			d.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			d.Shard().String(),
			fmt.Sprint(d.Sequence),
			RenderOutcome(d.Outcome),
			orDash(d.SelectedModelID),
			fmt.Sprintf("%s@v%d", d.ProfileIDUsed, d.ProfileVersion),
			formatMs(d.DecisionLatencyMs),
			truncate(d.ID, 13),
		)
	}
	t.render(a.Out)
	return nil
}

// auditVerify recomputes every hash chain in scope. A broken chain is an
// error so scripts can gate on the exit code.
func (a *App) auditVerify(ctx context.Context, st *state, p *ArgParser) error {
	h, err := chainHasher(a.Config)
	if err != nil {
		return err
	}
	reports, err := audit.VerifyAll(ctx, st.db, h, audit.Query{TenantID: p.Flag("tenant"), DomainID: p.Flag("domain")})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	broken := 0
	for _, rep := range reports {
		if !rep.Valid() {
			broken++
		}
	}
	a.Log.Info().Int("shards", len(reports)).Int("broken", broken).Str("algorithm", h.Algorithm()).Msg("audit chains verified")

	if broken > 0 {
		if !a.args.JSON {
			a.printChainReports(reports)
		}
		return &ChainIntegrityError{Broken: broken, Reports: reports}
	}
	if a.args.JSON {
		return a.writeJSON(map[string]any{"valid": true, "algorithm": h.Algorithm(), "chains": reports})
	}
	a.printChainReports(reports)
	return nil
}

func (a *App) printChainReports(reports []audit.Report) {
	fmt.Fprintln(a.Out, TitleStyle.Render(fmt.Sprintf("Audit chains (%d)", len(reports))))
	fmt.Fprintln(a.Out)
	if len(reports) == 0 {
		fmt.Fprintln(a.Out, DimStyle.Render("  No decisions recorded."))
		return
	}
	t := newTable("SHARD", "ENTRIES", "SEQUENCES", "ANCHORED", "STATUS")
	for _, r := range reports {
		status := RenderStatus("valid")
		if !r.Valid() {
			status = RenderStatus("fail") + fmt.Sprintf(" %d issue(s)", len(r.Issues))
		}
		anchored := "-"
		if r.Anchor != nil {
			anchored = fmt.Sprintf("after #%d", r.Anchor.Sequence)
		}
		t.add(r.Shard.String(), fmt.Sprint(r.Entries), fmt.Sprintf("%d..%d", r.FirstSequence, r.LastSequence), anchored, status)
	}
	t.render(a.Out)

	for _, r := range reports {
		for _, is := range r.Issues {
			fmt.Fprintf(a.Out, "  %s %s #%d %s: %s\n", ErrorStyle.Render("!"), r.Shard, is.Sequence, is.Kind, is.Detail)
		}
	}
}

// auditPurge applies retention by hand. Each shard keeps an anchor so the
// remaining chain still verifies.
func (a *App) auditPurge(ctx context.Context, st *state, p *ArgParser) error {
	if p.Flag("before") == "" {
		return &UsageError{Usage: "rigroute audit purge --before TIME [--confirm]", Hint: "TIME is RFC 3339, YYYY-MM-DD or an age such as 90d"}
	}
	cutoff, err := p.FlagTime("before", a.Now())
	if err != nil {
		return err
	}

	ok, err := a.RequireConfirmation("purge decisions recorded before "+cutoff.Format(time.RFC3339), ConfirmationOptions{
		ConfirmFlag: p.BoolFlag("confirm"),
		JSONMode:    a.args.JSON,
		Details:     map[string]string{"Database": st.db.Path(), "Cutoff": cutoff.Format(time.RFC3339)},
	})
	if err != nil || !ok {
		return err
	}

	h, err := chainHasher(a.Config)
	if err != nil {
		return err
	}
	rec := audit.NewRecorder(st.db, h, a.Config.RecorderConfig(), a.Log)
	defer rec.Close(context.WithoutCancel(ctx))

	res, err := rec.PurgeBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	a.Log.Info().Int("removed", res.Removed).Int("shards", len(res.Anchors)).Time("cutoff", cutoff).Msg("audit purge")

	if a.args.JSON {
		if res.Anchors == nil {
			res.Anchors = []audit.Anchor{}
		}
		return a.writeJSON(res)
	}
	fmt.Fprintf(a.Out, "%s removed %d decision(s) from %d shard(s)\n", RenderStatus("ok"), res.Removed, len(res.Anchors))
	return nil
}
