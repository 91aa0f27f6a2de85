package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/swedishembedded/sven/internal/commands"
	"github.com/swedishembedded/sven/internal/markdown"
	"github.com/swedishembedded/sven/internal/submit"
	"github.com/swedishembedded/sven/pkg/models"
)

// buildTUICmd creates the "tui" command: the interactive operator
// surface wiring the Control Service's Turn Engine to the Submission
// Pipeline (spec.md §4.4).
func buildTUICmd() *cobra.Command {
	var model, mode, resume, jsonlPath, loadJSONLPath, filePath string
	var noNvim bool

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive TUI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd, tuiOptions{
				configPath:    resolveConfigPath(),
				model:         model,
				mode:          mode,
				resume:        resume,
				jsonlPath:     jsonlPath,
				loadJSONLPath: loadJSONLPath,
				filePath:      filePath,
				noNvim:        noNvim,
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model to stage for the first submission")
	cmd.Flags().StringVar(&mode, "mode", "agent", "Session mode to create")
	cmd.Flags().StringVar(&resume, "resume", "", "Session ID to resume (generated if omitted)")
	cmd.Flags().StringVar(&jsonlPath, "jsonl", "", "Append every message to this JSONL file as it is sent/received")
	cmd.Flags().StringVar(&loadJSONLPath, "load-jsonl", "", "Load initial history from a JSONL transcript")
	cmd.Flags().StringVar(&filePath, "file", "", "Load/save the conversation as a markdown transcript at this path")
	cmd.Flags().BoolVar(&noNvim, "no-nvim", false, "Disable opening $EDITOR for multi-line message composition")
	return cmd
}

type tuiOptions struct {
	configPath    string
	model         string
	mode          string
	resume        string
	jsonlPath     string
	loadJSONLPath string
	filePath      string
	noNvim        bool
}

func runTUI(cmd *cobra.Command, opts tuiOptions) error {
	cfg, err := loadNodeConfig(opts.configPath)
	if err != nil {
		return err
	}

	svc, stop, err := newRuntimeService(cfg)
	if err != nil {
		return err
	}
	defer stop()

	sessionID := opts.resume
	if sessionID == "" {
		sessionID = "tui-" + uuid.NewString()[:8]
	}

	registry := commands.NewRegistry(nil)
	commands.RegisterTUICommands(registry)

	pipeline := submit.NewPipeline(svc, sessionID, registry, nil)
	go pipeline.Run(cmd.Context())

	if err := svc.NewSession(cmd.Context(), sessionID, opts.mode, nil); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if opts.model != "" {
		pipeline.StageModel(opts.model)
	}

	if history, err := loadInitialHistory(opts); err != nil {
		return err
	} else if len(history) > 0 {
		if err := pipeline.LoadHistory(cmd.Context(), history); err != nil {
			return err
		}
	}

	sub, unsub := svc.Subscribe()
	defer unsub()

	m := newTUIModel(cmd.Context(), pipeline, svc, sub, opts)
	program := tea.NewProgram(m, tea.WithAltScreen())
	final, err := program.Run()
	if err != nil {
		return err
	}

	if fm, ok := final.(tuiModel); ok {
		return persistTranscript(opts, fm.pipeline.Segments())
	}
	return nil
}

// loadInitialHistory loads --load-jsonl or --file into chat segments,
// in that preference order (spec.md §4.4 "resuming a saved
// conversation").
func loadInitialHistory(opts tuiOptions) ([]models.ChatSegment, error) {
	if opts.loadJSONLPath != "" {
		msgs, err := loadJSONLMessages(opts.loadJSONLPath)
		if err != nil {
			return nil, fmt.Errorf("load jsonl: %w", err)
		}
		return messagesToSegments(msgs), nil
	}
	if opts.filePath != "" {
		raw, err := os.ReadFile(opts.filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read %s: %w", opts.filePath, err)
		}
		conv, err := markdown.Parse(string(raw), markdown.FlavorSection)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", opts.filePath, err)
		}
		return messagesToSegments(conv.History), nil
	}
	return nil, nil
}

func loadJSONLMessages(path string) ([]*models.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, scanner.Err()
}

func messagesToSegments(msgs []*models.Message) []models.ChatSegment {
	out := make([]models.ChatSegment, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.MessageChatSegment{Message: m})
	}
	return out
}

// persistTranscript writes the final segment set to --file and/or
// --jsonl on exit, so "sven tui --file notes.md" round-trips through
// internal/markdown across sessions.
func persistTranscript(opts tuiOptions, segments []models.ChatSegment) error {
	var msgs []*models.Message
	for _, seg := range segments {
		if ms, ok := seg.(models.MessageChatSegment); ok {
			msgs = append(msgs, ms.Message)
		}
	}

	if opts.filePath != "" {
		doc := markdown.Serialize(&markdown.Conversation{History: msgs}, markdown.FlavorSection)
		if err := os.WriteFile(opts.filePath, []byte(doc), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", opts.filePath, err)
		}
	}
	if opts.jsonlPath != "" {
		f, err := os.Create(opts.jsonlPath)
		if err != nil {
			return fmt.Errorf("write %s: %w", opts.jsonlPath, err)
		}
		defer f.Close()
		enc := json.NewEncoder(f)
		for _, msg := range msgs {
			if err := enc.Encode(msg); err != nil {
				return err
			}
		}
	}
	return nil
}
