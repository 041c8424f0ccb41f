// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrConfirmationRequired is returned when a destructive command cannot
// prompt and --confirm was not given.
var ErrConfirmationRequired = errors.New("confirmation required: pass --confirm")

// ConfirmationOptions controls RequireConfirmation.
type ConfirmationOptions struct {
	// ConfirmFlag is set when --confirm was passed
	ConfirmFlag bool
	// JSONMode never prompts
	JSONMode bool
	// Details are shown before the prompt
	Details map[string]string
}

// RequireConfirmation asks before a destructive action:
//  1. --confirm proceeds without prompting
//  2. JSON mode or a non-interactive stdin fails with ErrConfirmationRequired
//  3. otherwise the user must answer y or yes
func (a *App) RequireConfirmation(action string, opts ConfirmationOptions) (bool, error) {
	if opts.ConfirmFlag {
		return true, nil
	}
	if opts.JSONMode || !a.Interactive {
		return false, &ValidationError{Field: "confirmation", Reason: ErrConfirmationRequired.Error()}
	}

	fmt.Fprintln(a.Out)
	if len(opts.Details) > 0 {
		keys := make([]string, 0, len(opts.Details))
		for k := range opts.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printKV(a.Out, k, opts.Details[k])
		}
		fmt.Fprintln(a.Out)
	}
	fmt.Fprintf(a.Out, "%s Are you sure you want to %s? [y/N]: ", WarningStyle.Render("[!]"), action)

	input, err := bufio.NewReader(a.In).ReadString('\n')
	if err != nil && input == "" {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, nil
	default:
		fmt.Fprintln(a.Out, DimStyle.Render("Cancelled."))
		return false, nil
	}
}
