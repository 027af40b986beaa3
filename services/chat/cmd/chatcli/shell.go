package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"

	"streamchat/pkg/ai"
	"streamchat/pkg/domain"
	"streamchat/pkg/store"
	"streamchat/services/chat/internal/session"
)

type shellConfig struct {
	Owner   string
	Store   store.ConversationStore
	Source  ai.StreamSource
	Logger  *slog.Logger
	Out     io.Writer
	NoColor bool
}

// shell is one local page session: a transcript manager plus its progress tracker.
type shell struct {
	owner    string
	store    store.ConversationStore
	manager  *session.Manager
	progress *session.Progress
	out      io.Writer
	logger   *slog.Logger

	unsubscribe func()
}

func newShell(cfg shellConfig) *shell {
	if cfg.NoColor {
		color.NoColor = true
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sh := &shell{
		owner:    cfg.Owner,
		store:    cfg.Store,
		progress: session.NewProgress(),
		out:      cfg.Out,
		logger:   cfg.Logger,
	}
	sh.manager = session.NewManager(session.Options{
		OwnerID: cfg.Owner,
		Store:   cfg.Store,
		Source:  cfg.Source,
		Logger:  cfg.Logger,
		OnUserMessage: func(context.Context) {
			if sh.progress.Increment() {
				fmt.Fprintln(sh.out, color.MagentaString("★ Your personalized analysis is ready."))
			}
		},
	})
	sh.unsubscribe = sh.manager.Subscribe(sh.render)
	return sh
}

func (s *shell) close() {
	s.unsubscribe()
}

const helpText = `Commands:
  /new            start a new conversation
  /clear          clear the transcript
  /load <id>      load a stored conversation
  /list           list stored conversations
  /personal       toggle personalized mode
  /progress       show personalized mode progress
  /help           show this help
  /quit           exit`

// run reads lines from in until EOF, /quit or ctx is done.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	fmt.Fprintln(s.out, color.HiBlackString("Type /help for commands."))
	for {
		s.prompt()
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				fmt.Fprintln(s.out, color.RedString("✗ %v", err))
			}
			if quit {
				return nil
			}
			continue
		}
		if err := s.send(ctx, line); err != nil {
			fmt.Fprintln(s.out, color.RedString("✗ %v", err))
		}
	}
}

func (s *shell) prompt() {
	fmt.Fprint(s.out, color.CyanString("you> "))
}

func (s *shell) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, helpText)
	case "/new":
		s.manager.NewChat()
		fmt.Fprintln(s.out, color.GreenString("✓ New conversation"))
	case "/clear":
		s.manager.Clear()
		fmt.Fprintln(s.out, color.GreenString("✓ Cleared"))
	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <conversation id>")
		}
		if err := s.manager.LoadConversation(ctx, arg); err != nil {
			return false, err
		}
		s.printTranscript()
	case "/list":
		return false, s.list(ctx, 20)
	case "/personal":
		state := s.progress.Toggle()
		if state.PersonalModeEnabled {
			fmt.Fprintln(s.out, color.GreenString("✓ Personalized mode on"))
		} else {
			fmt.Fprintln(s.out, color.GreenString("✓ Personalized mode off"))
		}
		s.printProgress()
	case "/progress":
		s.printProgress()
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

// send dispatches one message. The reply is printed by render as it streams.
func (s *shell) send(ctx context.Context, text string) error {
	if err := s.manager.SendMessage(ctx, text); err != nil {
		return err
	}
	if report := s.progress.Compute(); report.Message != "" {
		s.printReport(report)
	}
	return nil
}

// render prints the updates of the local session.
func (s *shell) render(u session.Update) {
	switch u.Kind {
	case session.UpdateAssistantOpened:
		fmt.Fprint(s.out, color.GreenString("assistant> "))
	case session.UpdateFragment:
		fmt.Fprint(s.out, u.Fragment)
	case session.UpdateStreamClosed:
		fmt.Fprintln(s.out)
	case session.UpdateErrorAppended:
		if u.Message != nil {
			fmt.Fprintln(s.out)
			fmt.Fprintln(s.out, color.RedString(u.Message.Content))
		}
	case session.UpdateSaveFailed:
		fmt.Fprintln(s.out, color.YellowString("! conversation was not saved"))
	}
}

func (s *shell) list(ctx context.Context, limit int) error {
	items, err := s.store.ListConversations(ctx, s.owner, limit)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	if len(items) == 0 {
		fmt.Fprintln(s.out, color.HiBlackString("No conversations yet."))
		return nil
	}
	for _, c := range items {
		created := time.UnixMilli(c.CreatedAt).Local().Format("2006-01-02 15:04")
		fmt.Fprintf(s.out, "%s  %s  %s\n", color.HiBlackString(created), color.CyanString(c.ID), c.Title)
	}
	return nil
}

func (s *shell) printTranscript() {
	snap := s.manager.Snapshot()
	for _, m := range snap.Messages {
		switch m.Role {
		case domain.MessageRoleUser:
			fmt.Fprintf(s.out, "%s%s\n", color.CyanString("you> "), m.Content)
		default:
			fmt.Fprintf(s.out, "%s%s\n", color.GreenString("assistant> "), m.Content)
		}
	}
}

func (s *shell) printProgress() {
	state := s.progress.State()
	switch {
	case !state.PersonalModeEnabled:
		fmt.Fprintln(s.out, color.HiBlackString("Personalized mode is off."))
	case state.AnalysisCompleted:
		fmt.Fprintln(s.out, color.MagentaString("★ Your personalized analysis is ready."))
	default:
		s.printReport(s.progress.Compute())
	}
}

func (s *shell) printReport(r session.Report) {
	fmt.Fprintf(s.out, "%s %s\n", color.HiBlackString("[%3.0f%%]", r.Percentage), r.Message)
}
