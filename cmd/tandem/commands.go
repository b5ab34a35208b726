package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/tandem/internal/api"
	"github.com/kalambet/tandem/internal/config"
	"github.com/kalambet/tandem/internal/identity"
	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/profile"
	"github.com/kalambet/tandem/internal/storage"
)

var userFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "user id (default: this machine's local user)")
}

// localUser returns --user, or the id persisted in the data dir.
func localUser() (string, error) {
	if userFlag != "" {
		return userFlag, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return identity.NewFileProvider(cfg.Storage.DataDir).UserID()
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat. Your most recent conversation is resumed if
there is one. Type "exit" or "quit" (or press Ctrl-D) to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := localUser()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, userID, os.Stdin, os.Stdout)
	},
}

// sessionView is pipeline.SessionView as it arrives over HTTP.
type sessionView struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Resumed        bool              `json:"resumed"`
	History        []storage.Message `json:"history"`
}

func runChat(ctx context.Context, c *apiClient, userID string, in io.Reader, out io.Writer) error {
	resp, err := c.post(ctx, "/sessions", map[string]string{"user_id": userID})
	if err != nil {
		return err
	}
	var s sessionView
	if err := decodeJSON(resp, &s); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer func() {
		if resp, err := c.delete(context.WithoutCancel(ctx), "/sessions/"+s.ID); err == nil {
			resp.Body.Close()
		}
	}()

	for _, m := range s.History {
		printTurn(out, m.Role, m.Content)
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorBold, "> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		resp, err := c.post(ctx, "/sessions/"+s.ID+"/messages", map[string]string{"content": line})
		if err != nil {
			return err
		}
		var turn pipeline.TurnResult
		if err := decodeJSON(resp, &turn); err != nil {
			// One failed turn should not end the chat.
			fmt.Fprintln(out, colorize(colorRed, "✗ "+err.Error()))
			continue
		}
		printTurn(out, storage.RoleAssistant, turn.Reply.Message)
	}
	return scanner.Err()
}

// --- personality ---

var personalityCmd = &cobra.Command{
	Use:   "personality",
	Short: "Inspect what tandem has learned about you",
}

var personalityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show learned preferences, topics and traits",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if format != "json" && format != "yaml" {
			return fmt.Errorf("unknown format %q (want json or yaml)", format)
		}

		userID, err := localUser()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/users/"+url.PathEscape(userID)+"/personality")
		if err != nil {
			return err
		}
		var p personality
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return renderPersonality(os.Stdout, p, format)
	},
}

func init() {
	personalityShowCmd.Flags().String("format", "json", "output format: json or yaml")
	personalityCmd.AddCommand(personalityShowCmd)
}

type personality struct {
	UserID      string               `json:"user_id"`
	Preferences []storage.Preference `json:"preferences"`
	Topics      []storage.Topic      `json:"topics"`
	Traits      []storage.Trait      `json:"traits"`
}

// personalityDoc is the human-facing YAML rendering.
type personalityDoc struct {
	User        string          `yaml:"user"`
	Preferences []preferenceDoc `yaml:"preferences"`
	Topics      []topicDoc      `yaml:"topics"`
	Traits      []traitDoc      `yaml:"traits"`
}

type preferenceDoc struct {
	Type       string  `yaml:"type"`
	Key        string  `yaml:"key"`
	Value      string  `yaml:"value"`
	Confidence float64 `yaml:"confidence"`
	Band       string  `yaml:"band"`
}

type topicDoc struct {
	Name     string   `yaml:"name"`
	Mentions int      `yaml:"mentions"`
	Keywords []string `yaml:"keywords,omitempty"`
	Notes    string   `yaml:"notes,omitempty"`
}

type traitDoc struct {
	Name    string `yaml:"name"`
	Value   string `yaml:"value"`
	Changes int    `yaml:"changes"`
}

func renderPersonality(w io.Writer, p personality, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	case "yaml":
		doc := personalityDoc{User: p.UserID}
		for _, pref := range p.Preferences {
			doc.Preferences = append(doc.Preferences, preferenceDoc{
				Type:       profile.FormatKey(pref.Type),
				Key:        profile.FormatKey(pref.Key),
				Value:      pref.Value,
				Confidence: pref.Confidence,
				Band:       profile.ConfidenceBand(pref.Confidence),
			})
		}
		for _, t := range p.Topics {
			doc.Topics = append(doc.Topics, topicDoc{
				Name:     t.Name,
				Mentions: t.MentionCount,
				Keywords: t.Keywords,
				Notes:    t.Notes,
			})
		}
		for _, t := range p.Traits {
			doc.Traits = append(doc.Traits, traitDoc{Name: t.Name, Value: t.Value, Changes: len(t.History)})
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Browse past conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		userID, err := localUser()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/users/%s/conversations?limit=%d", url.PathEscape(userID), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var convs []storage.Conversation
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}
		printConversations(os.Stdout, convs)
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/conversations/"+url.PathEscape(args[0])+"/messages")
		if err != nil {
			return err
		}
		var msgs []storage.Message
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			printTurn(os.Stdout, m.Role, m.Content)
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
	conversationsCmd.AddCommand(conversationsShowCmd)
}

func printConversations(w io.Writer, convs []storage.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations found.")
		return
	}
	for _, c := range convs {
		summary := c.ContextSummary
		if summary == "" {
			summary = "(no messages)"
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			colorize(colorCyan, c.ID[:min(8, len(c.ID))]),
			c.LastInteraction.Local().Format("2006-01-02 15:04"),
			summary,
		)
	}
}

// --- preference ---

var preferenceCmd = &cobra.Command{
	Use:   "preference",
	Short: "Manage learned preferences",
}

var preferenceSetCmd = &cobra.Command{
	Use:   "set <type> <key> <value>",
	Short: "Record a preference directly",
	Long: `Record a preference directly. Setting the same preference again raises
its confidence, exactly as if it had been observed in chat.

Example:
  tandem preference set communication_style formality formal`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		confidence, _ := cmd.Flags().GetFloat64("confidence")

		userID, err := localUser()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		p, err := setPreference(cmd.Context(), client, userID, args[0], args[1], args[2], confidence)
		if err != nil {
			return err
		}
		printSuccess("Set %s.%s = %s (confidence %.0f%%)", p.Type, p.Key, p.Value, p.Confidence*100)
		return nil
	},
}

func init() {
	preferenceSetCmd.Flags().Float64("confidence", 0, "starting confidence for a new preference (default 0.5)")
	preferenceCmd.AddCommand(preferenceSetCmd)
}

func setPreference(ctx context.Context, c *apiClient, userID, typ, key, value string, confidence float64) (storage.Preference, error) {
	body := map[string]any{"type": typ, "key": key, "value": value}
	if confidence > 0 {
		body["confidence"] = confidence
	}
	resp, err := c.put(ctx, "/users/"+url.PathEscape(userID)+"/preferences", body)
	if err != nil {
		return storage.Preference{}, err
	}
	var p storage.Preference
	if err := decodeJSON(resp, &p); err != nil {
		return storage.Preference{}, err
	}
	return p, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve tandem over MCP (stdio)",
	Long: `Serve the chat, get_personality and set_preference tools over the Model
Context Protocol on stdin/stdout. The store is opened directly; the HTTP
server does not need to be running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP(cmd.Context())
	},
}

func runMCP(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	p, profileMgr := newPipeline(cfg, store, logger)
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Pipeline: p,
		Sessions: pipeline.NewRegistry(),
		Store:    store,
		Profile:  profileMgr,
		Identity: identity.NewFileProvider(cfg.Storage.DataDir),
	})

	slog.Info("MCP server started (stdio transport)")
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
