// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/router"
)

const selectUsage = "rigroute select --tenant ID --domain ID [--profile ID[@vN]] [--budget DURATION] [--max-cost DECIMAL] [--estimate MODEL=D] [--context K=V] [--record]"

// selectView is the JSON shape of a selection.
type selectView struct {
	router.Response
	Candidates []model.CandidateRecord `json:"candidates_considered"`
	Recorded   bool                    `json:"recorded"`
}

// selectModel handles "rigroute select". It is a dry run unless --record
// is given, in which case the decision is chained into the audit trail.
// Thermal provisioning never happens from the CLI.
func (a *App) selectModel(ctx context.Context) error {
	p := NewArgParser(a.args.Raw, "record")
	req, err := selectRequest(p)
	if err != nil {
		return err
	}
	record := p.BoolFlag("record")
	req.DryRun = !record

	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var (
		rec      *audit.Recorder
		recorder router.Recorder
	)
	if record {
		h, err := chainHasher(a.Config)
		if err != nil {
			return err
		}
		rec = audit.NewRecorder(st.db, h, a.Config.RecorderConfig(), a.Log)
		recorder = rec
	}

	engine, err := a.newEngine(st, nil, recorder)
	if err != nil {
		return err
	}
	resp, selErr := engine.Select(ctx, req)

	if rec != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := rec.Close(closeCtx); err != nil {
			return errors.Join(selErr, fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err))
		}
	}
	if selErr != nil {
		return selErr
	}

	view := selectView{Response: resp, Candidates: resp.Decision.Candidates, Recorded: record}
	if a.args.JSON {
		return a.writeJSON(view)
	}
	a.printSelection(view)
	return nil
}

// selectRequest builds a request from flags.
func selectRequest(p *ArgParser) (router.Request, error) {
	req := router.Request{
		TenantID:                p.Flag("tenant"),
		DomainID:                p.Flag("domain"),
		ExplicitProfileOverride: p.Flag("profile"),
	}
	if req.TenantID == "" || req.DomainID == "" {
		return req, &UsageError{Usage: selectUsage, Hint: "--tenant and --domain are required"}
	}

	budget, err := p.FlagDuration("budget")
	if err != nil {
		return req, err
	}
	req.LatencyBudget = budget

	if v := p.Flag("max-cost"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return req, NewValidationErrorWithExample("max-cost", v, "must be a decimal", "--max-cost 0.01")
		}
		req.MaxCostPer1K = d
	}

	for _, pair := range p.Flags("estimate") {
		id, val, ok := strings.Cut(pair, "=")
		f, err := strconv.ParseFloat(val, 64)
		if !ok || err != nil {
			return req, NewValidationErrorWithExample("estimate", pair, "expected model=divergence", "--estimate claude-med=0.02")
		}
		if req.DivergenceEstimates == nil {
			req.DivergenceEstimates = make(map[string]float64)
		}
		req.DivergenceEstimates[id] = f
	}
	for _, pair := range p.Flags("context") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return req, NewValidationErrorWithExample("context", pair, "expected key=value", "--context channel=api")
		}
		if req.RequestContext == nil {
			req.RequestContext = make(map[string]string)
		}
		req.RequestContext[k] = v
	}
	return req, nil
}

func (a *App) printSelection(v selectView) {
	fmt.Fprintln(a.Out, TitleStyle.Render("Selected "+v.SelectedModelID))
	fmt.Fprintln(a.Out, RenderSeparator(50))
	printKV(a.Out, "Outcome", RenderOutcome(v.Outcome))
	printKV(a.Out, "Profile", fmt.Sprintf("%s (%s)", v.ProfileUsed, v.ProfileSource))
	printKV(a.Out, "Score", fmt.Sprintf("%.4f", v.Score))
	if v.DivergenceScore != nil {
		printKV(a.Out, "Divergence", fmt.Sprintf("%.3f", *v.DivergenceScore))
	}
	if v.Recorded {
		printKV(a.Out, "Decision", v.DecisionID)
	} else {
		printKV(a.Out, "Decision", DimStyle.Render("dry run, not recorded"))
	}
	if len(v.FallbackRank) > 0 {
		printKV(a.Out, "Fallbacks", strings.Join(v.FallbackRank, ", "))
	}
	for _, w := range v.Warnings {
		fmt.Fprintf(a.Out, "  %s %s\n", RenderStatus("warn"), w)
	}

	if len(v.Candidates) == 0 {
		return
	}
	fmt.Fprintln(a.Out)
	fmt.Fprintln(a.Out, SectionStyle.Render("Candidates"))
	t := newTable("MODEL", "SCORE", "STATUS", "DETAIL")
	for _, c := range v.Candidates {
		status := "ranked"
		switch {
		case c.ModelID == v.SelectedModelID:
			status = SuccessStyle.Render("selected")
		case c.Filtered || c.FilterReason != "":
			status = DimStyle.Render(c.FilterReason)
		}
		score := "-"
		if !c.Filtered {
			score = fmt.Sprintf("%.4f", c.Score)
		}
		t.add(c.ModelID, score, status, truncate(c.Detail, 40))
	}
	t.render(a.Out)
}
