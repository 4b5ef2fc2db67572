// Command parley is a console driver for the multi-persona chat client:
// it reads user lines from stdin, posts them into the active chat, and
// prints persona replies and typing changes as they happen.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"

	"github.com/parley-chat/parley/pkg/backend"
	"github.com/parley-chat/parley/pkg/chatstore"
	"github.com/parley-chat/parley/pkg/config"
	"github.com/parley-chat/parley/pkg/engine"
	"github.com/parley-chat/parley/pkg/persona"
)

// Filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   = flag.String("config", "config.yaml", "path to the config file")
	writeExample = flag.Bool("example-config", false, "print the example config and exit")
	version      = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("parley %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExample {
		fmt.Print(config.ExampleConfig)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(1)
	}
	exzerolog.SetupDefaults(log)

	if err := run(context.Background(), cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Fatal error")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	rawDB, err := sql.Open("sqlite3", cfg.Database.Path+"?_txlock=immediate")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer rawDB.Close()
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return fmt.Errorf("failed to wrap database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())

	store := chatstore.NewStore(db, log)
	if err = store.Init(ctx); err != nil {
		return err
	}

	personas := persona.NewStore(log)
	if err = personas.LoadDir(cfg.Personas.Dir); err != nil {
		return err
	}

	generator, err := buildGenerator(ctx, cfg, log)
	if err != nil {
		return err
	}

	console := &console{store: store, personas: personas, out: os.Stdout}
	console.engine = engine.New(engine.Config{
		Store:              store,
		Personas:           personas,
		Generator:          generator,
		Log:                log,
		Observer:           console,
		OnTyping:           console.onTyping,
		HistoryTokenBudget: cfg.History.TokenBudget,
		IncludeThoughts:    cfg.Backend.IncludeThoughts != nil && *cfg.Backend.IncludeThoughts,
		DefaultSettings: backend.Settings{
			Model:           cfg.Backend.Model,
			Temperature:     cfg.Backend.Temperature,
			MaxOutputTokens: int32(cfg.Backend.MaxOutputTokens),
			SafetyThreshold: cfg.Backend.SafetyThreshold,
		},
	})

	log.Info().
		Str("provider", cfg.Backend.Provider).
		Str("model", cfg.Backend.Model).
		Int("personas", len(personas.All())).
		Msg("Parley started")
	return console.loop(ctx)
}

func buildGenerator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (backend.Generator, error) {
	switch cfg.Backend.Provider {
	case config.ProviderProxy:
		return backend.NewProxyClient(cfg.Backend.Endpoint, log), nil
	default:
		apiKey := cfg.Backend.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		return backend.NewDirectClient(ctx, apiKey, cfg.Backend.BaseURL, log)
	}
}

// console is the stdin/stdout frontend. It implements engine.Observer, so
// replies and notices arrive here from generation goroutines.
type console struct {
	store    *chatstore.Store
	personas *persona.Store
	engine   *engine.Engine
	out      *os.File

	// activeChat is read from generation goroutines via the observer.
	activeChat atomic.Int64
}

func (c *console) RenderMessage(_ int64, msg chatstore.Message) {
	name := msg.PersonaID
	if card := c.personas.Get(msg.PersonaID); card != nil {
		name = card.Name
	}
	fmt.Fprintf(c.out, "%s: %s\n", name, msg.Text())
}

func (c *console) Notify(_ int64, text string) {
	fmt.Fprintf(c.out, "! %s\n", text)
}

func (c *console) onTyping(snap engine.TypingSnapshot) {
	if snap.ChatID != c.activeChat.Load() {
		return
	}
	if len(snap.PersonaIDs) == 0 {
		return
	}
	names := make([]string, len(snap.PersonaIDs))
	for i, id := range snap.PersonaIDs {
		names[i] = id
		if card := c.personas.Get(id); card != nil {
			names[i] = card.Name
		}
	}
	fmt.Fprintf(c.out, "[typing: %s]\n", strings.Join(names, ", "))
}

func (c *console) loop(ctx context.Context) error {
	fmt.Fprintln(c.out, `Type /help for commands.`)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, line); quit {
				break
			}
			continue
		}
		chatID := c.activeChat.Load()
		if chatID == 0 {
			fmt.Fprintln(c.out, "No chat open. /new <title> or /open <id> first.")
			continue
		}
		if _, err := c.engine.OnUserMessage(ctx, chatID, line); err != nil {
			fmt.Fprintln(c.out, "! Failed to send:", err)
		}
	}
	c.engine.Wait()
	return scanner.Err()
}

func (c *console) command(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/help":
		fmt.Fprint(c.out, `Commands:
  /chats                      list chats
  /new <title>                create a single-persona chat
  /group <title> <id>...      create a dynamic group chat (persona IDs)
  /open <id>                  switch to a chat
  /history                    print the active chat
  /personas                   list persona cards
  /respond <persona-id>       ask one persona to reply in the active chat
  /abort                      cancel in-flight generations in the active chat
  /quit                       exit
`)
	case "/chats":
		c.listChats(ctx)
	case "/new":
		c.createChat(ctx, strings.Join(args, " "), nil)
	case "/group":
		c.createGroup(ctx, args)
	case "/open":
		c.openChat(ctx, args)
	case "/history":
		c.printHistory(ctx)
	case "/personas":
		for _, card := range c.personas.All() {
			fmt.Fprintf(c.out, "%s  %s (independence %d)\n", card.ID, card.Name, card.Independence)
		}
	case "/respond":
		if len(args) != 1 || c.activeChat.Load() == 0 {
			fmt.Fprintln(c.out, "Usage: /respond <persona-id> (with a chat open)")
			return
		}
		if err := c.engine.RespondDirect(ctx, c.activeChat.Load(), args[0]); err != nil {
			fmt.Fprintln(c.out, "!", err)
		}
	case "/abort":
		stopped := c.engine.AbortChat(c.activeChat.Load())
		fmt.Fprintf(c.out, "Stopped %d generation(s).\n", stopped)
	case "/quit", "/exit":
		return true
	default:
		fmt.Fprintln(c.out, "Unknown command", cmd)
	}
	return false
}

func (c *console) listChats(ctx context.Context) {
	summaries, err := c.store.List(ctx)
	if err != nil {
		fmt.Fprintln(c.out, "!", err)
		return
	}
	for _, s := range summaries {
		kind := "chat"
		if s.IsGroup {
			kind = "group"
		}
		fmt.Fprintf(c.out, "%4d  %-5s %-30s %d messages\n", s.ID, kind, s.Title, s.MessageCount)
	}
}

func (c *console) createChat(ctx context.Context, title string, cfg *chatstore.GroupChatConfig) {
	chat, err := c.store.Create(ctx, title, cfg)
	if err != nil {
		fmt.Fprintln(c.out, "!", err)
		return
	}
	c.setActive(chat.ID)
	fmt.Fprintf(c.out, "Opened chat %d.\n", chat.ID)
}

func (c *console) createGroup(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: /group <title> <persona-id>...")
		return
	}
	cfg := &chatstore.GroupChatConfig{
		Mode:           chatstore.GroupChatModeDynamic,
		ParticipantIDs: args[1:],
		Dynamic:        &chatstore.DynamicConfig{AllowPings: true},
	}
	c.createChat(ctx, args[0], cfg)
}

func (c *console) openChat(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: /open <id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintln(c.out, "!", err)
		return
	}
	chat, err := c.store.Get(ctx, id)
	if err != nil {
		fmt.Fprintln(c.out, "!", err)
		return
	}
	if chat == nil {
		fmt.Fprintf(c.out, "No chat %d.\n", id)
		return
	}
	c.setActive(id)
	fmt.Fprintf(c.out, "Opened chat %d (%s).\n", chat.ID, chat.Title)
}

func (c *console) printHistory(ctx context.Context) {
	chatID := c.activeChat.Load()
	if chatID == 0 {
		fmt.Fprintln(c.out, "No chat open.")
		return
	}
	chat, err := c.store.Get(ctx, chatID)
	if err != nil || chat == nil {
		fmt.Fprintln(c.out, "! Failed to load chat:", err)
		return
	}
	for _, msg := range chat.Messages {
		name := "you"
		if msg.Role == chatstore.RoleModel {
			name = msg.PersonaID
			if card := c.personas.Get(msg.PersonaID); card != nil {
				name = card.Name
			}
		}
		fmt.Fprintf(c.out, "%s: %s\n", name, msg.Text())
	}
}

func (c *console) setActive(chatID int64) {
	c.activeChat.Store(chatID)
	c.engine.SetDisplayedChat(chatID)
}
