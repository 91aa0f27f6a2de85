package commands

import (
	"context"
	"fmt"
	"strings"
)

// RegisterTUICommands registers the slash commands the submission
// pipeline's command-dispatch path needs: ones that carry
// ImmediateAction/overrides (spec.md §4.4). /model and /abort here
// shadow the channel-facing builtins in builtin.go, so the submission
// pipeline is expected to run its own dedicated Registry populated only
// by this function rather than mixing it with RegisterBuiltins.
func RegisterTUICommands(r *Registry) {
	mustRegister := func(cmd *Command) {
		if err := r.Register(cmd); err != nil {
			panic(fmt.Sprintf("failed to register tui command %q: %v", cmd.Name, err))
		}
	}

	mustRegister(&Command{
		Name:        "quit",
		Aliases:     []string{"exit", "q"},
		Description: "Exit the TUI",
		Category:    "control",
		Source:      "tui",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{ImmediateAction: ImmediateQuit, Suppress: true}, nil
		},
	})

	mustRegister(&Command{
		Name:        "abort",
		Aliases:     []string{"interrupt"},
		Description: "Abort the in-flight turn",
		Category:    "control",
		Source:      "tui",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return &Result{ImmediateAction: ImmediateAbort, Suppress: true}, nil
		},
	})

	mustRegister(&Command{
		Name:        "model",
		Description: "Stage a model change for the next submission",
		Usage:       "/model <model_name>",
		AcceptsArgs: true,
		Category:    "config",
		Source:      "tui",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			model := strings.TrimSpace(inv.Args)
			if model == "" {
				return &Result{Text: "Usage: /model <model_name>"}, nil
			}
			return &Result{
				Text:          fmt.Sprintf("Model staged: %s", model),
				ModelOverride: &model,
			}, nil
		},
	})

	mustRegister(&Command{
		Name:        "mode",
		Description: "Stage a mode change for the next submission",
		Usage:       "/mode <mode_name>",
		AcceptsArgs: true,
		Category:    "config",
		Source:      "tui",
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			mode := strings.TrimSpace(inv.Args)
			if mode == "" {
				return &Result{Text: "Usage: /mode <mode_name>"}, nil
			}
			return &Result{
				Text:         fmt.Sprintf("Mode staged: %s", mode),
				ModeOverride: &mode,
			}, nil
		},
	})
}
