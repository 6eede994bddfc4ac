package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/gibbonas/MemAgent/pkg/orchestrator"
)

const chatHelp = `Describe a memory and answer the follow-up questions.
  /pick               open the photo picker for reference photos
  /poll               check whether the picker selection is done
  /generate [context] generate using the stored reference photos
  /quit               leave`

// chatService is the orchestrator surface the terminal loop drives.
type chatService interface {
	ProcessMemory(ctx context.Context, text, userID, sessionID string) orchestrator.Result
	StartPickerFlow(ctx context.Context, userID, sessionID string) orchestrator.Result
	RunGenerationFromStoredRefs(ctx context.Context, userID, sessionID, photoContext string) orchestrator.Result
	PollPickerSelection(ctx context.Context, userID, sessionID string) orchestrator.Result
}

func newChatCommand() *cobra.Command {
	var userID, sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to memagent in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, settings)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			in := cmd.InOrStdin()
			return runChat(ctx, in, cmd.OutOrStdout(), a.orchestrator, userID, sessionID, isTerminal(in))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "user id charged for usage")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume a session id (new session when empty)")
	return cmd
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(interface{ Fd() uintptr })
	return ok && isatty.IsTerminal(f.Fd())
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, svc chatService, userID, sessionID string, interactive bool) error {
	if interactive {
		_, _ = fmt.Fprintf(out, "%s\nsession %s\n", chatHelp, sessionID)
	}
	sc := bufio.NewScanner(in)
	for {
		if interactive {
			_, _ = fmt.Fprint(out, "> ")
		}
		if !sc.Scan() {
			return sc.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		var res orchestrator.Result
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			_, _ = fmt.Fprintln(out, chatHelp)
			continue
		case "/pick":
			res = svc.StartPickerFlow(ctx, userID, sessionID)
		case "/poll":
			res = svc.PollPickerSelection(ctx, userID, sessionID)
		case "/generate":
			res = svc.RunGenerationFromStoredRefs(ctx, userID, sessionID, strings.TrimSpace(rest))
		default:
			res = svc.ProcessMemory(ctx, line, userID, sessionID)
		}
		printResult(out, res)
	}
}

func printResult(out io.Writer, res orchestrator.Result) {
	_, _ = fmt.Fprintf(out, "[%s] %s\n", res.Stage, res.Message)
	if code := res.ErrorCode(); code != "" {
		_, _ = fmt.Fprintf(out, "  error: %s\n", code)
	}
	if uri := res.PickerURI(); uri != "" {
		_, _ = fmt.Fprintf(out, "  open: %s\n", uri)
	}
	if p := res.ImagePath(); p != "" {
		_, _ = fmt.Fprintf(out, "  image: %s\n", p)
	}
	for _, w := range res.Warnings() {
		_, _ = fmt.Fprintf(out, "  warning: %s\n", w)
	}
}
