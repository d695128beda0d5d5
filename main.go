// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

// mag is an OpenRouter chat client with durable conversations.
//
// The interactive session supports streaming replies, conversation
// management, file attachments, and import/export.
//
// Interactive commands:
//
//	/help            Show available commands
//	/new [title]     Start a new conversation
//	/list            List conversations
//	/open N          Switch to conversation N
//	/rename TITLE    Rename the current conversation
//	/delete [N]      Delete a conversation
//	/duplicate       Duplicate the current conversation
//	/pin             Toggle pin on the current conversation
//	/history         Show the current conversation
//	/edit ID TEXT    Edit a message and drop later messages
//	/regen           Regenerate the last reply
//	/search QUERY    Search the current conversation
//	/attach PATH...  Stage file attachments for the next message
//	/attachments     List staged attachments
//	/detach ID       Remove a staged attachment
//	/settings        Show conversation settings
//	/temp VALUE      Set the sampling temperature
//	/prompt TEXT     Set the system prompt
//	/models          List available models
//	/summary         Summarize the current conversation
//	/translate L T   Translate text to a language
//	/export FORMAT   Export the conversation (json, markdown, txt)
//	/import FILE     Import a JSON export
//	/key             Set the OpenRouter API key
//	/clearall        Delete every conversation
//	/quit            Exit
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/sufiyansj/mag/internal/attach"
	"github.com/sufiyansj/mag/internal/chat"
	"github.com/sufiyansj/mag/internal/config"
	"github.com/sufiyansj/mag/internal/model"
	"github.com/sufiyansj/mag/internal/openrouter"
	"github.com/sufiyansj/mag/internal/storage"
	"github.com/sufiyansj/mag/internal/util"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	magStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A855F7")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F43F5E")).Bold(true)
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A855F7")).Bold(true)
	pinnedMarker = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Render("*")
)

// =============================================================================
// APP STATE
// =============================================================================

// app wires the store, orchestrator, provider, and attachment manager
// behind the interactive session.
type app struct {
	cfg          *config.Config
	kv           storage.KV
	client       *openrouter.Client
	store        *chat.Store
	orchestrator *chat.Orchestrator
	attachments  *attach.Manager
	line         *liner.State
	historyFile  string

	// cancelMu guards cancelCurrent, which the signal handler goroutine
	// reads while the REPL goroutine writes it.
	cancelMu      sync.Mutex
	cancelCurrent context.CancelFunc
}

// setCancel records the cancel function for the in-flight generation.
func (a *app) setCancel(cancel context.CancelFunc) {
	a.cancelMu.Lock()
	a.cancelCurrent = cancel
	a.cancelMu.Unlock()
}

// cancelInFlight cancels the in-flight generation, if any.
func (a *app) cancelInFlight() bool {
	a.cancelMu.Lock()
	cancel := a.cancelCurrent
	a.cancelMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Keep request logging out of the chat transcript.
	if dir, err := config.Dir(); err == nil {
		if f, err := os.OpenFile(filepath.Join(dir, "mag.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600); err == nil {
			log.SetOutput(f)
			defer f.Close()
		}
	}

	kv, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	client := openrouter.NewClient(kv).
		WithBaseURL(cfg.API.BaseURL).
		WithSiteInfo(cfg.API.SiteURL, cfg.API.SiteName)

	store, err := chat.NewStore(kv)
	if err != nil {
		return err
	}

	attachments, err := attach.NewManager()
	if err != nil {
		return err
	}

	a := &app{
		cfg:          cfg,
		kv:           kv,
		client:       client,
		store:        store,
		orchestrator: chat.NewOrchestrator(store, client, attachments),
		attachments:  attachments,
	}
	a.orchestrator.OnDelta = func(delta string) { fmt.Print(delta) }

	return a.repl()
}

// openStorage builds the configured KV backend.
func openStorage(cfg *config.Config) (storage.KV, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		if cfg.Storage.DataDir != "" {
			return storage.NewSQLiteStoreWithPath(filepath.Join(cfg.Storage.DataDir, "state.db"))
		}
		return storage.NewSQLiteStore()
	default:
		if cfg.Storage.DataDir != "" {
			return storage.NewFileStoreWithDir(cfg.Storage.DataDir)
		}
		return storage.NewFileStore()
	}
}

// =============================================================================
// REPL
// =============================================================================

func (a *app) repl() error {
	a.line = liner.NewLiner()
	a.line.SetCtrlCAborts(true)
	defer a.closeLiner()

	if dir, err := config.Dir(); err == nil {
		a.historyFile = filepath.Join(dir, "input_history")
		if f, err := os.Open(a.historyFile); err == nil {
			a.line.ReadHistory(f)
			f.Close()
		}
	}

	// First Ctrl+C cancels the in-flight generation.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigChan {
			if a.cancelInFlight() {
				fmt.Fprintln(os.Stderr, "\n"+warnStyle.Render("[Cancelled]"))
			}
		}
	}()

	a.printWelcome()

	for {
		input, err := a.line.Prompt(promptStyle.Render("mag> "))
		if err != nil {
			// Ctrl+C at the prompt or Ctrl+D both exit.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		a.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			keepGoing, err := a.handleCommand(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				return nil
			}
			continue
		}

		if err := a.send(input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		}
	}
}

func (a *app) closeLiner() {
	if a.historyFile != "" {
		if f, err := os.OpenFile(a.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			a.line.WriteHistory(f)
			f.Close()
		}
	}
	a.line.Close()
}

func (a *app) printWelcome() {
	fmt.Println()
	fmt.Println(titleStyle.Render("MAG"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 30)))
	fmt.Printf("%s %s\n", infoStyle.Render("Model:"), okStyle.Render(a.cfg.Chat.Model))
	if a.client.IsConfigured() {
		fmt.Printf("%s %s\n", infoStyle.Render("API key:"), okStyle.Render("configured ("+a.client.KeyFingerprint()+")"))
	} else {
		fmt.Printf("%s %s\n", infoStyle.Render("API key:"), warnStyle.Render("not set - use /key"))
	}
	if conv := a.store.Current(); conv != nil {
		fmt.Printf("%s %s\n", infoStyle.Render("Conversation:"), conv.GetTitle())
	}
	fmt.Println()
	fmt.Println(infoStyle.Render("Type a message and press Enter. Commands: /help, /quit"))
	fmt.Println()
}

// send drives one chat turn, printing the streamed reply as it arrives.
func (a *app) send(text string) error {
	// A send with no open conversation creates one and skips the turn.
	if a.store.Current() == nil {
		if _, err := a.store.Create(""); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.setCancel(cancel)
	defer func() {
		a.setCancel(nil)
		cancel()
	}()

	fmt.Println()
	fmt.Println(magStyle.Render(model.RoleAssistant.DisplayName() + ":"))
	err := a.orchestrator.Send(ctx, text)
	fmt.Println()
	fmt.Println()
	return err
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) handleCommand(input string) (bool, error) {
	parts := strings.Fields(input)
	command := strings.ToLower(parts[0])
	args := parts[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(input, parts[0]))

	switch command {
	case "/help", "/h", "/?":
		a.printHelp()
	case "/quit", "/q", "/exit":
		fmt.Println(infoStyle.Render("Goodbye!"))
		return false, nil

	case "/new":
		conv, err := a.store.Create(rest)
		if err != nil {
			return true, err
		}
		fmt.Printf("%s %s\n", okStyle.Render("[New]"), conv.GetTitle())
	case "/list", "/ls":
		a.printConversations()
	case "/open", "/o":
		return true, a.openConversation(args)
	case "/rename":
		return true, a.withCurrent(func(conv *model.Conversation) error {
			if rest == "" {
				return fmt.Errorf("usage: /rename TITLE")
			}
			return a.store.Rename(conv.ID, rest)
		})
	case "/delete", "/rm":
		return true, a.deleteConversation(args)
	case "/duplicate", "/dup":
		return true, a.withCurrent(func(conv *model.Conversation) error {
			clone, err := a.store.Duplicate(conv.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", okStyle.Render("[Duplicated]"), clone.GetTitle())
			return nil
		})
	case "/pin":
		return true, a.withCurrent(func(conv *model.Conversation) error {
			if err := a.store.TogglePin(conv.ID); err != nil {
				return err
			}
			if conv.Pinned {
				fmt.Println(okStyle.Render("[Pinned]"))
			} else {
				fmt.Println(okStyle.Render("[Unpinned]"))
			}
			return nil
		})
	case "/clearall":
		if err := a.store.ClearAll(); err != nil {
			return true, err
		}
		fmt.Println(warnStyle.Render("[All conversations deleted]"))

	case "/history":
		a.printHistory()
	case "/regen":
		return true, a.streamCommand(a.orchestrator.Regenerate)
	case "/edit":
		if len(args) < 2 {
			return true, fmt.Errorf("usage: /edit MESSAGE_ID NEW_TEXT")
		}
		newText := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		return true, a.orchestrator.EditMessage(args[0], newText)
	case "/delmsg":
		if len(args) != 1 {
			return true, fmt.Errorf("usage: /delmsg MESSAGE_ID")
		}
		return true, a.orchestrator.DeleteMessage(args[0])
	case "/search":
		if rest == "" {
			return true, fmt.Errorf("usage: /search QUERY")
		}
		a.printSearchResults(rest)

	case "/attach":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /attach PATH...")
		}
		if err := a.attachments.Add(args...); err != nil {
			return true, err
		}
		fmt.Printf("%s %d staged\n", okStyle.Render("[Attached]"), a.attachments.Count())
	case "/attachments":
		a.printAttachments()
	case "/detach":
		if len(args) != 1 {
			return true, fmt.Errorf("usage: /detach ID")
		}
		return true, a.attachments.Remove(args[0])
	case "/clearattach":
		return true, a.attachments.Clear()

	case "/settings":
		a.printSettings()
	case "/temp":
		return true, a.setTemperature(args)
	case "/maxtokens":
		return true, a.setMaxTokens(args)
	case "/prompt":
		return true, a.withCurrent(func(conv *model.Conversation) error {
			return a.store.UpdateSettings(conv.Settings.Temperature, conv.Settings.MaxTokens, rest)
		})
	case "/models":
		a.printModels()
	case "/summary":
		return true, a.printSummary()
	case "/translate":
		if len(args) < 2 {
			return true, fmt.Errorf("usage: /translate LANGUAGE TEXT")
		}
		return true, a.printTranslation(args[0], strings.Join(args[1:], " "))

	case "/export":
		return true, a.exportConversation(args)
	case "/import":
		if len(args) != 1 {
			return true, fmt.Errorf("usage: /import FILE")
		}
		return true, a.importConversation(args[0])

	case "/key":
		return true, a.readAPIKey()

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return true, nil
}

// withCurrent runs fn against the current conversation or reports that
// there is none.
func (a *app) withCurrent(fn func(*model.Conversation) error) error {
	conv := a.store.Current()
	if conv == nil {
		return fmt.Errorf("no conversation selected (use /new or /open)")
	}
	return fn(conv)
}

// streamCommand wraps an orchestrator call that streams a reply.
func (a *app) streamCommand(fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.setCancel(cancel)
	defer func() {
		a.setCancel(nil)
		cancel()
	}()

	fmt.Println()
	err := fn(ctx)
	fmt.Println()
	return err
}

func (a *app) openConversation(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /open N")
	}
	conv, err := a.resolveConversation(args[0])
	if err != nil {
		return err
	}
	if err := a.store.Select(conv.ID); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", okStyle.Render("[Open]"), conv.GetTitle())
	return nil
}

func (a *app) deleteConversation(args []string) error {
	var conv *model.Conversation
	if len(args) == 0 {
		conv = a.store.Current()
		if conv == nil {
			return fmt.Errorf("no conversation selected")
		}
	} else {
		var err error
		conv, err = a.resolveConversation(args[0])
		if err != nil {
			return err
		}
	}
	title := conv.GetTitle()
	if err := a.store.Delete(conv.ID); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", warnStyle.Render("[Deleted]"), title)
	return nil
}

// resolveConversation accepts a 1-based list index or a conversation ID.
func (a *app) resolveConversation(ref string) (*model.Conversation, error) {
	list := a.store.List()
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(list) {
			return nil, fmt.Errorf("no conversation %d (have %d)", n, len(list))
		}
		return list[n-1], nil
	}
	for _, conv := range list {
		if conv.ID == ref {
			return conv, nil
		}
	}
	return nil, fmt.Errorf("no conversation %q", ref)
}

// =============================================================================
// DISPLAY
// =============================================================================

func (a *app) printHelp() {
	commands := []struct{ cmd, desc string }{
		{"/new [title]", "Start a new conversation"},
		{"/list", "List conversations"},
		{"/open N", "Switch to conversation N"},
		{"/rename TITLE", "Rename the current conversation"},
		{"/delete [N]", "Delete a conversation"},
		{"/duplicate", "Duplicate the current conversation"},
		{"/pin", "Toggle pin on the current conversation"},
		{"/history", "Show the current conversation"},
		{"/edit ID TEXT", "Edit a message and drop later messages"},
		{"/delmsg ID", "Delete a message"},
		{"/regen", "Regenerate the last reply"},
		{"/search QUERY", "Search the current conversation"},
		{"/attach PATH...", "Stage file attachments"},
		{"/attachments", "List staged attachments"},
		{"/detach ID", "Remove a staged attachment"},
		{"/clearattach", "Remove all staged attachments"},
		{"/settings", "Show conversation settings"},
		{"/temp VALUE", "Set the sampling temperature"},
		{"/maxtokens N", "Set the completion token budget"},
		{"/prompt TEXT", "Set the system prompt"},
		{"/models", "List available models"},
		{"/summary", "Summarize the conversation"},
		{"/translate L T", "Translate text to a language"},
		{"/export FORMAT", "Export (json, markdown, txt)"},
		{"/import FILE", "Import a JSON export"},
		{"/key", "Set the OpenRouter API key"},
		{"/clearall", "Delete every conversation"},
		{"/quit", "Exit"},
	}

	fmt.Println()
	fmt.Println(titleStyle.Render("Commands"))
	for _, c := range commands {
		fmt.Printf("  %s %s\n", okStyle.Render(fmt.Sprintf("%-17s", c.cmd)), infoStyle.Render(c.desc))
	}
	fmt.Println()
}

func (a *app) printConversations() {
	list := a.store.List()
	if len(list) == 0 {
		fmt.Println(infoStyle.Render("[No conversations]"))
		return
	}
	current := a.store.Current()
	for i, conv := range list {
		marker := " "
		if conv == current {
			marker = okStyle.Render(">")
		}
		pin := " "
		if conv.Pinned {
			pin = pinnedMarker
		}
		fmt.Printf("%s%s %2d. %s %s\n", marker, pin, i+1, conv.GetTitle(),
			infoStyle.Render(fmt.Sprintf("(%d messages)", conv.MessageCount())))
	}
}

func (a *app) printHistory() {
	conv := a.store.Current()
	if conv == nil || conv.IsEmpty() {
		fmt.Println(infoStyle.Render("[No messages yet]"))
		return
	}
	fmt.Println()
	for _, msg := range conv.Messages {
		label := infoStyle
		switch msg.Role {
		case model.RoleUser:
			label = userStyle
		case model.RoleAssistant:
			label = magStyle
		}
		fmt.Printf("%s %s %s\n", label.Render(msg.Role.DisplayName()+":"),
			msg.Preview(100), infoStyle.Render("("+msg.ID+")"))
		for _, att := range msg.Attachments {
			fmt.Printf("    %s %s\n", infoStyle.Render("[file]"), att.Name)
		}
	}
	fmt.Println()
}

func (a *app) printSearchResults(query string) {
	hits := a.store.SearchCurrent(query)
	if len(hits) == 0 {
		fmt.Println(infoStyle.Render("[No matches]"))
		return
	}
	for _, msg := range hits {
		fmt.Printf("%s %s\n", okStyle.Render(msg.Role.DisplayName()+":"), msg.Preview(100))
	}
}

func (a *app) printAttachments() {
	pending := a.attachments.Pending()
	if len(pending) == 0 {
		fmt.Println(infoStyle.Render("[No staged attachments]"))
		return
	}
	for _, att := range pending {
		fmt.Printf("  %s %s %s\n", okStyle.Render(att.Name),
			infoStyle.Render(fmt.Sprintf("%d bytes", att.Size)), infoStyle.Render("("+att.ID+")"))
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("  %d file(s), %d bytes total", a.attachments.Count(), a.attachments.TotalSize())))
}

func (a *app) printSettings() {
	conv := a.store.Current()
	if conv == nil {
		fmt.Println(infoStyle.Render("[No conversation selected]"))
		return
	}
	s := conv.Settings
	fmt.Printf("  %s %s\n", infoStyle.Render("Model:"), s.Model)
	fmt.Printf("  %s %v\n", infoStyle.Render("Temperature:"), s.Temperature)
	fmt.Printf("  %s %d\n", infoStyle.Render("Max tokens:"), s.MaxTokens)
	fmt.Printf("  %s %s\n", infoStyle.Render("System prompt:"), util.TruncateRunes(s.SystemPrompt, 80))
	fmt.Printf("  %s ~%d tokens\n", infoStyle.Render("Context size:"), conv.EstimateTokens())
}

func (a *app) setTemperature(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /temp VALUE")
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil || v < 0 || v > 2 {
		return fmt.Errorf("temperature must be a number between 0 and 2")
	}
	return a.withCurrent(func(conv *model.Conversation) error {
		return a.store.UpdateSettings(v, conv.Settings.MaxTokens, conv.Settings.SystemPrompt)
	})
}

func (a *app) setMaxTokens(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /maxtokens N")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return fmt.Errorf("max tokens must be a positive number")
	}
	return a.withCurrent(func(conv *model.Conversation) error {
		return a.store.UpdateSettings(conv.Settings.Temperature, n, conv.Settings.SystemPrompt)
	})
}

func (a *app) printModels() {
	models, err := a.client.ListModels(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		return
	}
	for _, m := range models {
		fmt.Printf("  %s %s\n", okStyle.Render(m.ID), infoStyle.Render(m.Name))
	}
}

func (a *app) printSummary() error {
	return a.withCurrent(func(conv *model.Conversation) error {
		summary, err := a.client.Summarize(context.Background(), openrouter.FromModelMessages(conv.Messages))
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(summary)
		fmt.Println()
		return nil
	})
}

func (a *app) printTranslation(language, text string) error {
	translated, err := a.client.Translate(context.Background(), text, language)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(translated)
	fmt.Println()
	return nil
}

func (a *app) exportConversation(args []string) error {
	format := openrouter.FormatMarkdown
	if len(args) > 0 {
		name := strings.ToLower(args[0])
		if name == "md" {
			name = string(openrouter.FormatMarkdown)
		}
		format = openrouter.ExportFormat(name)
	}
	return a.withCurrent(func(conv *model.Conversation) error {
		out, err := a.store.ExportCurrent(format)
		if err != nil {
			return err
		}
		name := util.SanitizeFilename(conv.GetTitle())
		ext := string(format)
		if format == openrouter.FormatMarkdown {
			ext = "md"
		}
		path := name + "." + ext
		if err := util.AtomicWriteFile(path, []byte(out), 0644); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", okStyle.Render("[Exported]"), path)
		return nil
	})
}

func (a *app) importConversation(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	conv, err := a.store.Import(string(data))
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", okStyle.Render("[Imported]"), conv.GetTitle())
	return nil
}

// readAPIKey prompts for the key without echoing it.
func (a *app) readAPIKey() error {
	fmt.Print("OpenRouter API key (input hidden): ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	key := strings.TrimSpace(string(keyBytes))
	if key == "" {
		return fmt.Errorf("no key entered")
	}
	if !openrouter.ValidateAPIKey(key) {
		fmt.Println(warnStyle.Render("[Warning] Key does not look like an OpenRouter key (sk-or-...)"))
	}
	if err := a.client.SetAPIKey(key); err != nil {
		return err
	}
	fmt.Printf("%s fingerprint %s\n", okStyle.Render("[Key saved]"), a.client.KeyFingerprint())
	return nil
}
