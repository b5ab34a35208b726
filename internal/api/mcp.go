package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tandem/internal/identity"
	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/profile"
	"github.com/kalambet/tandem/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline *pipeline.Pipeline
	Sessions *pipeline.Registry
	Store    *storage.Store
	Profile  *profile.Manager
	// Identity supplies the user when a tool call names none.
	Identity identity.Provider
}

// NewMCPServer creates an MCP server with all tandem tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tandem",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tandem: a chat companion that learns the user's style, topics and traits as you talk."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message in the user's current conversation and return the reply."),
			mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("User to chat as (defaults to the local user)")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("get_personality",
			mcp.WithDescription("Return the learned preferences, topics and traits for a user as JSON."),
			mcp.WithString("user_id", mcp.Description("User to inspect (defaults to the local user)")),
		),
		mcpGetPersonality(deps),
	)

	s.AddTool(
		mcp.NewTool("set_preference",
			mcp.WithDescription("Record a user preference. Repeating a preference raises its confidence."),
			mcp.WithString("type", mcp.Description("Preference type (e.g. communication_style)"), mcp.Required()),
			mcp.WithString("key", mcp.Description("Preference key (e.g. formality)"), mcp.Required()),
			mcp.WithString("value", mcp.Description("Value to set"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("User to update (defaults to the local user)")),
		),
		mcpSetPreference(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"user://personality",
			"Personality",
			mcp.WithResourceDescription("What has been learned about the local user, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePersonality(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://conversations",
			"Recent Conversations",
			mcp.WithResourceDescription("The local user's 10 most recent conversations"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConversations(deps),
	)

	return s
}

// resolveUser returns the user_id argument, or the local user.
func resolveUser(deps MCPDeps, req mcp.CallToolRequest) (string, error) {
	if id := req.GetString("user_id", ""); id != "" {
		return id, nil
	}
	if deps.Identity == nil {
		return "", errors.New("user_id is required")
	}
	return deps.Identity.UserID()
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		userID, err := resolveUser(deps, req)
		if err != nil {
			return mcpError(fmt.Sprintf("resolving user: %v", err)), nil
		}

		s, err := deps.Sessions.GetOrStart(ctx, userID, deps.Pipeline.Start)
		if err != nil {
			return mcpError(fmt.Sprintf("starting session: %v", err)), nil
		}

		res, err := deps.Pipeline.Turn(ctx, s, message)
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		return mcpText(res.Reply.Message), nil
	}
}

func mcpGetPersonality(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := resolveUser(deps, req)
		if err != nil {
			return mcpError(fmt.Sprintf("resolving user: %v", err)), nil
		}

		snap, err := deps.Profile.Snapshot(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load personality: %v", err)), nil
		}

		b, err := json.Marshal(newPersonalityResponse(userID, snap))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal personality: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSetPreference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		typ, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}
		userID, err := resolveUser(deps, req)
		if err != nil {
			return mcpError(fmt.Sprintf("resolving user: %v", err)), nil
		}

		p, err := deps.Profile.UpdatePreference(ctx, profile.PreferenceObservation{
			UserID:         userID,
			Type:           typ,
			Key:            key,
			Value:          value,
			ConversationID: manualSource,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to set preference: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Set %s.%s = %s (confidence %.0f%%)", typ, key, value, p.Confidence*100)), nil
	}
}

func mcpResourcePersonality(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Identity == nil {
			return nil, errors.New("no local user")
		}
		userID, err := deps.Identity.UserID()
		if err != nil {
			return nil, fmt.Errorf("resolving user: %w", err)
		}

		snap, err := deps.Profile.Snapshot(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load personality: %w", err)
		}

		b, err := json.Marshal(newPersonalityResponse(userID, snap))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal personality: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceConversations(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Identity == nil {
			return nil, errors.New("no local user")
		}
		userID, err := deps.Identity.UserID()
		if err != nil {
			return nil, fmt.Errorf("resolving user: %w", err)
		}

		convs, err := deps.Store.ListConversations(ctx, userID, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		if convs == nil {
			convs = []storage.Conversation{}
		}

		b, err := json.Marshal(convs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
