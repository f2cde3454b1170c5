package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/stream"
)

// =============================================================================
// Run Commands
// =============================================================================

func buildAskCmd(a *app) *cobra.Command {
	var (
		threadID string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question on a thread and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), a, threadID, strings.Join(args, " "), format)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread id, usually <user>_<scope>")
	cmd.Flags().StringVar(&format, "format", "ndjson", "Output format: ndjson, sse or text")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func buildResumeCmd(a *app) *cobra.Command {
	var (
		threadID string
		decision string
		argsJSON string
		message  string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Answer the pending approval of a thread and continue the run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := core.Decision{Type: core.DecisionType(decision), Message: message}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &d.EditedArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}
			return runResume(cmd.Context(), a, threadID, d, format)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread id")
	cmd.Flags().StringVarP(&decision, "decision", "d", "", "Decision: approve, edit or reject")
	cmd.Flags().StringVar(&argsJSON, "args", "", "Edited arguments as a JSON object (edit only)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Optional note recorded with the decision")
	cmd.Flags().StringVar(&format, "format", "ndjson", "Output format: ndjson, sse or text")
	_ = cmd.MarkFlagRequired("thread")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func runAsk(ctx context.Context, a *app, threadID, query, format string) error {
	enc, err := a.encoder(format)
	if err != nil {
		return err
	}
	m, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	events, errs, err := m.Run(ctx, threadID, query)
	if err != nil {
		return err
	}
	return render(enc, events, errs)
}

func runResume(ctx context.Context, a *app, threadID string, d core.Decision, format string) error {
	enc, err := a.encoder(format)
	if err != nil {
		return err
	}
	m, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	events, errs, err := m.Resume(ctx, threadID, d)
	if err != nil {
		return err
	}
	return render(enc, events, errs)
}

func (a *app) encoder(format string) (stream.Encoder, error) {
	switch format {
	case "ndjson":
		return stream.NewNDJSONEncoder(a.stdout(), nil), nil
	case "sse":
		return stream.NewSSEEncoder(a.stdout(), nil), nil
	case "text":
		return &textEncoder{w: a.stdout(), hint: a.stderr()}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// render writes the stream while waiting for the run result. Both sides
// finish: the engine closes events after the terminal event and delivers
// the run error (or nil) on errs.
func render(enc stream.Encoder, events <-chan stream.Event, errs <-chan error) error {
	var g errgroup.Group
	g.Go(func() error {
		err := stream.Copy(enc, events)
		for range events {
		}
		return err
	})
	var runErr error
	g.Go(func() error {
		runErr = <-errs
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return runErr
}

// textEncoder renders a stream for a terminal: tokens inline, progress and
// interrupts as short notes.
type textEncoder struct {
	w    io.Writer
	hint io.Writer
}

func (t *textEncoder) Encode(ev stream.Event) error {
	var err error
	switch ev.Type {
	case stream.TypeToken:
		_, err = io.WriteString(t.w, ev.Content)
	case stream.TypeProgress:
		if ev.Status == stream.StatusStart {
			_, err = fmt.Fprintf(t.hint, "… %s\n", ev.Step)
		}
	case stream.TypeAnswer:
		_, err = fmt.Fprintln(t.w)
		for _, s := range ev.Sources {
			if err != nil {
				break
			}
			_, err = fmt.Fprintf(t.w, "[Source %d] %s\n", s.Index, firstLine(s.Text))
		}
		if err == nil && ev.LowConfidence {
			_, err = fmt.Fprintln(t.hint, "note: the sources only partially cover this question")
		}
	case stream.TypeInterrupt:
		if ev.Request != nil {
			_, err = fmt.Fprintf(t.w, "approval required: %s\nallowed: %v\nrun `ragmesh resume --decision <...>` to continue\n",
				ev.Request.Description, ev.Request.AllowedDecisions)
		}
	case stream.TypeError:
		_, err = fmt.Fprintln(t.hint, "error:", ev.Message)
	}
	return err
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(s); len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return s
}

// =============================================================================
// Session Commands
// =============================================================================

func buildCompactCmd(a *app) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact the history of a thread",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := m.Compact(ctx, threadID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout(), "action=%s dropped=%d kept=%d\n", res.Action, res.Dropped, len(res.Messages))
			return err
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread id")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func buildSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect sessions",
	}
	cmd.AddCommand(buildSessionShowCmd(a))
	return cmd
}

func buildSessionShowCmd(a *app) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a session as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			sess, err := m.Session(ctx, threadID)
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("session %q not found", threadID)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.stdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread id")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

// =============================================================================
// Ingest Command
// =============================================================================

func buildIngestCmd(a *app) *cobra.Command {
	var (
		chunkSize   int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Load text files for keyword search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), a, args, chunkSize, concurrency)
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1200, "Maximum characters per stored chunk")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Files read in parallel")
	return cmd
}

func runIngest(ctx context.Context, a *app, paths []string, chunkSize, concurrency int) error {
	m, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	counts := make([]int, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, path := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			base := filepath.Base(path)
			for j, chunk := range chunkText(string(data), chunkSize) {
				id := fmt.Sprintf("%s#%d", base, j+1)
				if err := m.Ingest(gctx, id, chunk, map[string]any{"path": path, "chunk": j + 1}); err != nil {
					return fmt.Errorf("ingest %s: %w", id, err)
				}
				counts[i]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	_, err = fmt.Fprintf(a.stdout(), "ingested %d chunks from %d files\n", total, len(paths))
	return err
}

// chunkText splits text at blank lines and packs paragraphs into chunks of
// at most size runes. A paragraph longer than size becomes its own chunk.
func chunkText(text string, size int) []string {
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(para))+2 > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}
