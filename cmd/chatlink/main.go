// ABOUTME: CLI client for the support-chat streaming API
// ABOUTME: Follows live conversation streams and drives the REST surface with JWT auth

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/deskhub/chatlink/internal/api"
	"github.com/deskhub/chatlink/internal/archive"
	"github.com/deskhub/chatlink/internal/auth"
	"github.com/deskhub/chatlink/internal/bootstrap"
	"github.com/deskhub/chatlink/internal/chat"
	"github.com/deskhub/chatlink/internal/config"
	"github.com/deskhub/chatlink/internal/cursor"
	"github.com/deskhub/chatlink/internal/fanout"
	"github.com/deskhub/chatlink/internal/registry"
	"github.com/deskhub/chatlink/internal/session"
)

func main() {
	// A .env next to the invocation is a convenience for local dev; its
	// absence is not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "follow":
		err = cmdFollow(args)
	case "send":
		err = cmdSend(args)
	case "history":
		err = cmdHistory(args)
	case "conversations":
		err = cmdConversations(args)
	case "assign":
		err = cmdAssign(args)
	case "close":
		err = cmdClose(args)
	case "reopen":
		err = cmdReopen(args)
	case "mark-read":
		err = cmdMarkRead(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Println("chatlink - support chat client")
	fmt.Println()
	fmt.Println("Usage: chatlink <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  follow                   Stream a conversation live (reconnects on drop)")
	fmt.Println("  send <message...>        Send a message to a conversation")
	fmt.Println("  history                  Show conversation history")
	fmt.Println("  conversations            List conversations (staff)")
	fmt.Println("  assign <conversation>    Assign a conversation to yourself (staff)")
	fmt.Println("  close <conversation>     Close a conversation (staff)")
	fmt.Println("  reopen <conversation>    Reopen a closed conversation (staff)")
	fmt.Println("  mark-read                Mark a conversation's messages as read")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CHATLINK_ORIGIN          API origin, e.g. https://chat.example.com")
	fmt.Println("  CHATLINK_PARTICIPANT     Participant id (customer or staff id)")
	fmt.Println("  CHATLINK_ROLE            \"customer\" or \"staff\"")
	fmt.Println("  CHATLINK_TOKEN           Bearer token")
	fmt.Println("  CHATLINK_CONFIG          Optional YAML config for stream tuning")
	fmt.Println()
	fmt.Println("A TOML profile at ~/.config/chatlink/profile.toml provides the same")
	fmt.Println("settings; environment variables win.")
}

// env wires together everything a subcommand needs.
type env struct {
	profile *Profile
	cfg     *config.Config
	tokens  auth.TokenSource
	client  *api.Client
	svc     *bootstrap.Service
	fan     *fanout.Fanout
}

func buildEnv() (*env, error) {
	profile, err := loadProfile()
	if err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	cfg, err := loadTuning(profile)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(setupLogger(cfg.Logging))

	tokens := auth.NewStaticTokenSource(profile.Identity.Token)
	client := api.NewClient(api.Options{
		Origin: profile.Server.Origin,
		Tokens: tokens,
	})
	fan := fanout.New(nil)
	svc := bootstrap.New(bootstrap.Options{
		Client:       client,
		Fanout:       fan,
		ReadReceipts: cfg.Chat.ReadReceipts,
	})

	return &env{
		profile: profile,
		cfg:     cfg,
		tokens:  tokens,
		client:  client,
		svc:     svc,
		fan:     fan,
	}, nil
}

// loadTuning reads the optional YAML config. Without a file the defaults
// apply and the profile supplies the origin.
func loadTuning(profile *Profile) (*config.Config, error) {
	path := os.Getenv("CHATLINK_CONFIG")
	if path != "" {
		return config.Load(path)
	}

	cfg := &config.Config{}
	cfg.Server.Origin = profile.Server.Origin
	if err := applyConfigDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyConfigDefaults(cfg *config.Config) error {
	cfg.Stream.MaxCatchUp = config.DefaultMaxCatchUp
	cfg.Stream.BackoffInitial = config.DefaultBackoffInitial
	cfg.Stream.BackoffMax = config.DefaultBackoffMax
	cfg.Chat.PageSize = config.DefaultPageSize
	cfg.Chat.ReadReceipts = config.ReadReceiptsRealtime
	return cfg.Validate()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// resolveConversation turns a flag value into a concrete conversation id.
// Customers get their own conversation created on first contact; staff must
// name one explicitly.
func resolveConversation(ctx context.Context, e *env, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if e.profile.role() == chat.RoleStaff {
		return "", fmt.Errorf("-conversation is required for the staff role")
	}
	conv, err := e.svc.EnsureConversation(ctx, e.profile.Identity.ParticipantID)
	if err != nil {
		return "", fmt.Errorf("resolving conversation: %w", err)
	}
	return conv.ID, nil
}

func cmdFollow(args []string) error {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	convFlag := fs.String("conversation", "", "Conversation id (staff must set this)")
	archiveFlag := fs.Bool("archive", false, "Persist the transcript to the local archive")
	fs.Parse(args)

	e, err := buildEnv()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conversationID, err := resolveConversation(ctx, e, *convFlag)
	if err != nil {
		return err
	}

	var store *archive.Store
	if *archiveFlag || e.cfg.Archive.Enabled {
		path := e.cfg.Archive.Path
		if path == "" {
			path = defaultArchivePath()
		}
		store, err = archive.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	cursors := cursor.NewTracker()
	reg := registry.New(registry.Options{
		Origin:     e.profile.Server.Origin,
		Tokens:     e.tokens,
		Cursors:    cursors,
		Fanout:     e.fan,
		MaxCatchUp: e.cfg.Stream.MaxCatchUp,
	})
	defer reg.Shutdown()

	events := make(chan session.Event, 64)
	unsubscribe, err := e.fan.Subscribe(ctx, conversationID, func(ev session.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}, &fanout.ConnectOptions{
		ParticipantID: e.profile.Identity.ParticipantID,
		Role:          e.profile.role(),
	})
	defer unsubscribe()
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	color.Cyan("Following conversation %s as %s (%s). Ctrl+C to stop.",
		conversationID, e.profile.Identity.ParticipantID, e.profile.Identity.Role)

	backoff := registry.NewBackoff(e.cfg.Stream.BackoffInitial, e.cfg.Stream.BackoffMax)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Type {
			case session.EventOpened:
				backoff.Reset()
				color.HiBlack("-- connected --")
			case session.EventCatchUp:
				for _, msg := range ev.Batch {
					printMessage(msg, e.profile.role())
				}
				if ev.Resync {
					color.Yellow("-- catch-up truncated, run `chatlink history` for the full transcript --")
				}
				if store != nil {
					if err := store.SaveBatch(ctx, ev.Batch); err != nil {
						slog.Warn("archiving catch-up batch failed", "error", err)
					}
				}
			case session.EventMessage:
				printMessage(*ev.Message, e.profile.role())
				if store != nil {
					if err := store.SaveMessage(ctx, *ev.Message); err != nil {
						slog.Warn("archiving message failed", "error", err)
					}
				}
			case session.EventRead:
				color.HiBlack("-- %s messages marked read --", ev.ReadBy)
			case session.EventError:
				if errors.Is(ev.Err, session.ErrUnauthorized) {
					return fmt.Errorf("stream rejected: %w", ev.Err)
				}
				color.Yellow("-- stream error: %v --", ev.Err)
			case session.EventClosed:
				wait := backoff.Next()
				color.HiBlack("-- disconnected, reconnecting in %s --", wait)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				if err := reg.Connect(ctx, conversationID,
					e.profile.Identity.ParticipantID, e.profile.role()); err != nil {
					color.Yellow("-- reconnect failed: %v --", err)
				}
			}
		}
	}
}

func cmdSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	convFlag := fs.String("conversation", "", "Conversation id (staff must set this)")
	typeFlag := fs.String("type", chat.MessageTypeText, "Message type (TEXT, IMAGE)")
	fs.Parse(args)

	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		return fmt.Errorf("message content is required")
	}

	e, err := buildEnv()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conversationID, err := resolveConversation(ctx, e, *convFlag)
	if err != nil {
		return err
	}

	err = e.svc.Send(ctx, e.profile.Identity.ParticipantID, e.profile.role(),
		conversationID, content, *typeFlag)
	if errors.Is(err, bootstrap.ErrConversationClosed) {
		return fmt.Errorf("conversation %s is closed; a staff member must reopen it first", conversationID)
	}
	if err != nil {
		return err
	}

	color.Green("Sent.")
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	convFlag := fs.String("conversation", "", "Conversation id (staff must set this)")
	pageFlag := fs.Int("page", 0, "Page number, oldest first")
	sizeFlag := fs.Int("size", 0, "Page size (default from config)")
	fs.Parse(args)

	e, err := buildEnv()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conversationID, err := resolveConversation(ctx, e, *convFlag)
	if err != nil {
		return err
	}

	size := *sizeFlag
	if size <= 0 {
		size = e.cfg.Chat.PageSize
	}

	page, err := e.client.ListMessages(ctx, e.profile.Identity.ParticipantID,
		e.profile.role(), conversationID, *pageFlag, size)
	if err != nil {
		return err
	}

	if len(page.Content) == 0 {
		fmt.Println("No messages.")
		return nil
	}

	for _, msg := range page.Content {
		printMessage(msg, e.profile.role())
	}
	if page.TotalPages > 1 {
		color.HiBlack("-- page %d of %d --", *pageFlag+1, page.TotalPages)
	}
	return nil
}

func cmdConversations(args []string) error {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	filterFlag := fs.String("filter", "", "Filter: assigned, unread, or empty for all")
	pageFlag := fs.Int("page", 0, "Page number")
	sizeFlag := fs.Int("size", 20, "Page size")
	fs.Parse(args)

	e, err := buildEnv()
	if err != nil {
		return err
	}
	if e.profile.role() != chat.RoleStaff {
		return fmt.Errorf("conversations requires the staff role")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var listing *chat.ConversationPage
	switch *filterFlag {
	case "assigned":
		listing, err = e.svc.ListAssigned(ctx, e.profile.Identity.ParticipantID, *pageFlag, *sizeFlag)
	case "unread":
		listing, err = e.svc.ListUnread(ctx, e.profile.Identity.ParticipantID, *pageFlag, *sizeFlag)
	case "":
		listing, err = e.svc.ListAll(ctx, e.profile.Identity.ParticipantID, *pageFlag, *sizeFlag)
	default:
		return fmt.Errorf("unknown filter %q (want assigned, unread, or empty)", *filterFlag)
	}
	if err != nil {
		return err
	}

	if len(listing.Content) == 0 {
		fmt.Println("No conversations.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCUSTOMER\tSTATUS\tUNREAD\tLAST MESSAGE")
	for _, conv := range listing.Content {
		status := string(conv.Status)
		if conv.Status == chat.StatusClosed {
			status = color.RedString(status)
		} else {
			status = color.GreenString(status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			conv.ID, conv.CustomerID, status, conv.UnreadCount, truncate(conv.LastMessage, 40))
	}
	w.Flush()

	color.HiBlack("%d conversations total", listing.TotalElements)
	return nil
}

func cmdAssign(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: chatlink assign <conversation>")
	}
	return staffTransition(args[0], "Assigned", func(ctx context.Context, e *env, conv string) error {
		return e.svc.Assign(ctx, e.profile.Identity.ParticipantID, conv)
	})
}

func cmdClose(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: chatlink close <conversation>")
	}
	return staffTransition(args[0], "Closed", func(ctx context.Context, e *env, conv string) error {
		return e.svc.Close(ctx, e.profile.Identity.ParticipantID, conv)
	})
}

func cmdReopen(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: chatlink reopen <conversation>")
	}
	return staffTransition(args[0], "Reopened", func(ctx context.Context, e *env, conv string) error {
		return e.svc.Reopen(ctx, e.profile.Identity.ParticipantID, conv)
	})
}

func staffTransition(conversationID, verb string, fn func(context.Context, *env, string) error) error {
	e, err := buildEnv()
	if err != nil {
		return err
	}
	if e.profile.role() != chat.RoleStaff {
		return fmt.Errorf("this command requires the staff role")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := fn(ctx, e, conversationID); err != nil {
		return err
	}
	color.Green("%s %s.", verb, conversationID)
	return nil
}

func cmdMarkRead(args []string) error {
	fs := flag.NewFlagSet("mark-read", flag.ExitOnError)
	convFlag := fs.String("conversation", "", "Conversation id (staff must set this)")
	fs.Parse(args)

	e, err := buildEnv()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conversationID, err := resolveConversation(ctx, e, *convFlag)
	if err != nil {
		return err
	}

	if err := e.svc.MarkRead(ctx, e.profile.Identity.ParticipantID,
		e.profile.role(), conversationID); err != nil {
		return err
	}
	color.Green("Marked read.")
	return nil
}

// printMessage renders one message line. The viewer's own messages are
// plain; the other side is colored so a busy stream scans easily.
func printMessage(msg chat.Message, viewer chat.Role) {
	ts := msg.CreatedAt.Local().Format("15:04:05")
	label := string(msg.SenderRole)

	var line string
	switch {
	case msg.Type == chat.MessageTypeSystem:
		line = color.HiBlackString("[%s] * %s", ts, msg.Content)
	case msg.SenderRole == viewer:
		line = fmt.Sprintf("%s %s: %s", color.HiBlackString("[%s]", ts), label, msg.Content)
	default:
		line = fmt.Sprintf("%s %s: %s", color.HiBlackString("[%s]", ts),
			color.CyanString(label), msg.Content)
	}
	if msg.Read {
		line += color.HiBlackString(" ✓")
	}
	fmt.Println(line)
}

func defaultArchivePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chatlink.db"
		}
		dataDir = homeDir + "/.local/share"
	}
	return dataDir + "/chatlink/chatlink.db"
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
