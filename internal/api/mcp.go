package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/profiles/internal/profile"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *profile.Store
	Version string
}

// NewMCPServer creates an MCP server exposing the profile cache as tools and
// resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"profiles",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("profiles: look up and create agent profiles through a local cache of the profile service."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_profiles",
			mcp.WithDescription("Search agent profiles by nickname prefix. Matches are also added to the local cache."),
			mcp.WithString("prefix", mcp.Description("Nickname prefix (the service requires at least 3 characters)"), mcp.Required()),
		),
		mcpSearchProfiles(deps),
	)

	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Get one agent's profile, asking the profile service when it is not cached."),
			mcp.WithString("agent_id", mcp.Description("Agent public key"), mcp.Required()),
		),
		mcpGetProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("get_profiles",
			mcp.WithDescription("Get several agents' profiles at once. Uncached agents are fetched in a single batch; agents without a profile are omitted."),
			mcp.WithArray("agent_ids", mcp.Description("Agent public keys"), mcp.Required(), mcp.WithStringItems()),
			mcp.WithBoolean("refresh", mcp.Description("Fetch every listed agent even when cached")),
		),
		mcpGetProfiles(deps),
	)

	s.AddTool(
		mcp.NewTool("list_profiles",
			mcp.WithDescription("List every cached agent profile."),
			mcp.WithBoolean("refresh", mcp.Description("Fetch all profiles from the service first")),
		),
		mcpListProfiles(deps),
	)

	s.AddTool(
		mcp.NewTool("create_profile",
			mcp.WithDescription("Create the profile of the current agent."),
			mcp.WithString("nickname", mcp.Description("Nickname"), mcp.Required()),
			mcp.WithObject("fields", mcp.Description("Additional string fields such as avatar or bio")),
		),
		mcpCreateProfile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"profile://me",
			"My Profile",
			mcp.WithResourceDescription("The current agent's cached profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMe(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"profile://known",
			"Known Profiles",
			mcp.WithResourceDescription("Every cached agent profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKnown(deps),
	)

	return s
}

func mcpSearchProfiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prefix, err := req.RequireString("prefix")
		if err != nil || prefix == "" {
			return mcpError("prefix is required"), nil
		}

		results, err := deps.Store.SearchProfiles(ctx, prefix)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(nonNil(results))
	}
}

func mcpGetProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil || agentID == "" {
			return mcpError("agent_id is required"), nil
		}

		p, ok := deps.Store.ProfileOf(agentID)
		if !ok {
			if err := deps.Store.FetchAgentProfile(ctx, agentID); err != nil {
				return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
			}
			p, ok = deps.Store.ProfileOf(agentID)
		}
		if !ok {
			return mcpText(fmt.Sprintf("No profile for agent %s", agentID)), nil
		}
		return mcpJSON(profile.AgentProfile{AgentID: agentID, Profile: p})
	}
}

func mcpGetProfiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireStringSlice("agent_ids")
		if err != nil {
			return mcpError("agent_ids must be a list of agent ids"), nil
		}
		agentIDs := cleanAgentIDs(raw)
		if len(agentIDs) == 0 {
			return mcpError("agent_ids must list at least one agent id"), nil
		}

		profiles, err := lookupProfiles(ctx, deps.Store, agentIDs, req.GetBool("refresh", false))
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		return mcpJSON(profiles)
	}
}

func mcpListProfiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if req.GetBool("refresh", false) {
			if err := deps.Store.FetchAllProfiles(ctx); err != nil {
				return mcpError(fmt.Sprintf("refresh failed: %v", err)), nil
			}
		}
		return mcpJSON(nonNil(deps.Store.KnownProfiles()))
	}
}

func mcpCreateProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		nickname, err := req.RequireString("nickname")
		if err != nil {
			return mcpError("nickname is required"), nil
		}

		fields := map[string]string{}
		if raw, ok := req.GetArguments()["fields"].(map[string]any); ok {
			for k, v := range raw {
				s, ok := v.(string)
				if !ok {
					return mcpError(fmt.Sprintf("field %q must be a string", k)), nil
				}
				fields[k] = s
			}
		}

		p := profile.Profile{Nickname: nickname, Fields: fields}
		if err := profile.Validate(p, deps.Store.Config()); err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Store.CreateProfile(ctx, p); err != nil {
			if profile.IsValidation(err) {
				return mcpError(fmt.Sprintf("profile rejected: %v", err)), nil
			}
			return mcpError(fmt.Sprintf("create failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created profile %q for agent %s", nickname, deps.Store.SelfAgentID())), nil
	}
}

func mcpResourceMe(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, ok := deps.Store.MyProfile()
		if !ok {
			return mcpResourceJSON(req.Params.URI, nil)
		}
		return mcpResourceJSON(req.Params.URI, profile.AgentProfile{AgentID: deps.Store.SelfAgentID(), Profile: p})
	}
}

func mcpResourceKnown(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return mcpResourceJSON(req.Params.URI, nonNil(deps.Store.KnownProfiles()))
	}
}

func mcpResourceJSON(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
