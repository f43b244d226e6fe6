package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/relaywire/sessioncore/internal/model"
)

var (
	chatSession string
	chatMobile  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session against the backend",
	Long: `chat connects the global events socket, resumes (or creates) a
session, and opens a readline-based prompt loop.

Commands (interactive mode only):
  /sessions          - List known sessions
  /new <dir> <acp>   - Create a new session
  /switch <id>       - Switch the active session
  /cancel            - Cancel the in-flight prompt
  /reset             - Force-reset a stuck session
  /quit, /exit       - Exit the CLI`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Session id to resume (defaults to the last-active session)")
	chatCmd.Flags().BoolVar(&chatMobile, "mobile", false, "Use the shorter mobile send timeout")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nshutting down...")
		cancel()
	}()

	unsubscribe := ctl.Subscribe(func() {
		if id := ctl.ActiveSessionID(); id != "" {
			printNewMessages(id)
		}
	})
	defer unsubscribe()

	ctl.OnBackgroundCompletion(func(sessionID string) {
		fmt.Printf("\n[session %s finished in the background]\n", sessionID)
	})

	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if chatSession != "" {
		if err := ctl.SwitchSession(ctx, chatSession); err != nil {
			return fmt.Errorf("failed to switch to session %s: %w", chatSession, err)
		}
	}

	rl := readline.NewShell()
	rl.Prompt.Primary(func() string {
		if id := ctl.ActiveSessionID(); id != "" {
			return fmt.Sprintf("%s> ", id)
		}
		return "sessionclient> "
	})

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)
	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Println("Type your message and press Enter. Use /help for commands. Tab completes commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\ngoodbye")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if done, err := handleSlashCommand(ctx, line); done {
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
				continue
			}
		}

		sessionID := ctl.ActiveSessionID()
		if sessionID == "" {
			fmt.Println("no active session; use /new or /switch first")
			continue
		}
		if _, err := ctl.SendPrompt(ctx, sessionID, line, nil, nil, chatMobile); err != nil {
			fmt.Fprintf(os.Stderr, "send error: %v\n", err)
		}
	}
}

// slashCommands defines the available slash commands with their
// descriptions, used both for help text and tab completion.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/quit", "Exit the CLI"},
	{"/exit", "Exit the CLI (alias)"},
	{"/cancel", "Cancel the current prompt"},
	{"/reset", "Force-reset the active session"},
	{"/sessions", "List known sessions"},
	{"/new", "Create a new session: /new <dir> <acp-server>"},
	{"/switch", "Switch the active session: /switch <id>"},
}

func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	var pairs []string
	for _, c := range slashCommands {
		if strings.HasPrefix(c.name, text) {
			pairs = append(pairs, c.name, c.description)
		}
	}
	if len(pairs) == 0 {
		return readline.Completions{}
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}

func handleSlashCommand(ctx context.Context, line string) (handled bool, err error) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/help", "/h", "/?":
		for _, c := range slashCommands {
			fmt.Printf("  %-12s %s\n", c.name, c.description)
		}
		return true, nil

	case "/quit", "/exit", "/q":
		fmt.Println("goodbye")
		os.Exit(0)
		return true, nil

	case "/cancel":
		sessionID := ctl.ActiveSessionID()
		if sessionID == "" {
			return true, fmt.Errorf("no active session")
		}
		return true, ctl.CancelPrompt(sessionID)

	case "/reset":
		sessionID := ctl.ActiveSessionID()
		if sessionID == "" {
			return true, fmt.Errorf("no active session")
		}
		return true, ctl.ForceReset(sessionID)

	case "/sessions":
		sessions := ctl.Sessions()
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
		for _, s := range sessions {
			marker := " "
			if s.ID == ctl.ActiveSessionID() {
				marker = "*"
			}
			fmt.Printf("%s %-20s %-20s %s\n", marker, s.ID, s.Info.Name, s.Info.Status)
		}
		return true, nil

	case "/new":
		dir, acpServer, err := resolveNewSessionArgs(args)
		if err != nil {
			return true, err
		}
		id, err := ctl.NewSession(ctx, "", dir, acpServer)
		if err != nil {
			return true, err
		}
		fmt.Printf("created session %s\n", id)
		return true, ctl.SwitchSession(ctx, id)

	case "/switch":
		if len(args) != 1 {
			return true, fmt.Errorf("usage: /switch <id>")
		}
		return true, ctl.SwitchSession(ctx, args[0])
	}

	return false, nil
}

// resolveNewSessionArgs accepts either "/new <dir> <acp-server>" or a
// single argument naming a saved workspace shortcut (see internal/config).
func resolveNewSessionArgs(args []string) (dir, acpServer string, err error) {
	switch len(args) {
	case 1:
		w, ok := clientCfg.FindWorkspace(args[0])
		if !ok {
			return "", "", fmt.Errorf("no saved workspace shortcut named %q; usage: /new <dir> <acp-server>", args[0])
		}
		return w.Dir, w.ACPServer, nil
	case 2:
		return args[0], args[1], nil
	default:
		return "", "", fmt.Errorf("usage: /new <dir> <acp-server>  or  /new <workspace-shortcut>")
	}
}

var lastPrintedLen = make(map[string]int)

// printNewMessages prints any messages appended to sessionID's transcript
// since the last time this function ran for it (§4.8 observability: the
// CLI renders the store's notifications rather than polling).
func printNewMessages(sessionID string) {
	rec, ok := ctl.Session(sessionID)
	if !ok {
		return
	}
	start := lastPrintedLen[sessionID]
	if start > len(rec.Messages) {
		start = 0
	}
	for _, msg := range rec.Messages[start:] {
		printMessage(msg)
	}
	lastPrintedLen[sessionID] = len(rec.Messages)
}

func printMessage(msg model.Message) {
	switch msg.Kind {
	case model.KindUser:
		fmt.Printf("you: %s\n", msg.Text)
	case model.KindAgent:
		fmt.Printf("agent: %s\n", msg.HTML)
	case model.KindThought:
		fmt.Printf("thinking: %s\n", msg.Text)
	case model.KindTool:
		fmt.Printf("[tool %s: %s]\n", msg.ToolTitle, msg.ToolStatus)
	case model.KindError:
		fmt.Printf("error: %s\n", msg.Text)
	case model.KindSystem:
		fmt.Printf("system: %s\n", msg.Text)
	}
}
