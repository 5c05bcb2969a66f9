package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/profiles/internal/config"
	"github.com/kalambet/profiles/internal/profile"
	"github.com/kalambet/profiles/internal/storage"
)

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached agent profiles",
	Long: `List the agent profiles known to the running server.

Examples:
  profiles list
  profiles list --refresh
  profiles list --offline`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		offline, _ := cmd.Flags().GetBool("offline")
		asJSON, _ := cmd.Flags().GetBool("json")

		if offline {
			if refresh {
				return fmt.Errorf("--refresh and --offline are mutually exclusive")
			}
			profiles, err := offlineProfiles("")
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), asJSON, profiles)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		profiles, err := client.listProfiles(cmd.Context(), refresh)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), asJSON, profiles)
	},
}

func init() {
	listCmd.Flags().Bool("refresh", false, "fetch all profiles from the service first")
	listCmd.Flags().Bool("offline", false, "read the local mirror instead of the server")
	listCmd.Flags().Bool("json", false, "print JSON")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <agent-id>...",
	Short: "Show agent profiles",
	Long: `Show one agent's profile, or a table of several agents' profiles.

Agents without a profile are left out of the table.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offline, _ := cmd.Flags().GetBool("offline")
		asJSON, _ := cmd.Flags().GetBool("json")

		if len(args) > 1 {
			profiles, err := showMany(cmd.Context(), args, offline)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), asJSON, profiles)
		}

		var ap profile.AgentProfile
		if offline {
			db, err := openMirror()
			if err != nil {
				return err
			}
			defer db.Close()
			rec, err := db.GetProfile(args[0])
			if err != nil {
				return fmt.Errorf("agent %s: %w", args[0], err)
			}
			ap = rec.AgentProfile
		} else {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			ap, err = client.agentProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
		}
		return renderOne(cmd.OutOrStdout(), asJSON, ap)
	},
}

func init() {
	showCmd.Flags().Bool("offline", false, "read the local mirror instead of the server")
	showCmd.Flags().Bool("json", false, "print JSON")
}

// --- me ---

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the current agent's profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ap, err := client.myProfile(cmd.Context(), refresh)
		if err != nil {
			return err
		}
		return renderOne(cmd.OutOrStdout(), asJSON, ap)
	},
}

func init() {
	meCmd.Flags().Bool("refresh", false, "fetch the profile from the service first")
	meCmd.Flags().Bool("json", false, "print JSON")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <prefix>",
	Short: "Search profiles by nickname prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offline, _ := cmd.Flags().GetBool("offline")
		asJSON, _ := cmd.Flags().GetBool("json")

		if offline {
			profiles, err := offlineProfiles(args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), asJSON, profiles)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		profiles, err := client.searchProfiles(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), asJSON, profiles)
	},
}

func init() {
	searchCmd.Flags().Bool("offline", false, "search the local mirror instead of the service")
	searchCmd.Flags().Bool("json", false, "print JSON")
}

// --- create ---

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the current agent's profile",
	Long: `Create the current agent's profile.

Examples:
  profiles create --nickname alice
  profiles create --nickname alice --field avatar=https://example.com/a.png --field bio="Go person"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nickname, _ := cmd.Flags().GetString("nickname")
		rawFields, _ := cmd.Flags().GetStringArray("field")

		if nickname == "" {
			return fmt.Errorf("--nickname is required")
		}
		fields, err := parseFields(rawFields)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ap, err := client.createProfile(cmd.Context(), nickname, fields)
		if err != nil {
			return err
		}

		printSuccess("Created profile %q for agent %s", ap.Nickname, ap.AgentID)
		if !ap.Equal(profile.Profile{Nickname: nickname, Fields: fields}) {
			printWarning("The server stored a different profile than the one submitted")
		}
		return nil
	},
}

func init() {
	createCmd.Flags().String("nickname", "", "nickname for the profile")
	createCmd.Flags().StringArray("field", nil, "additional field as name=value (repeatable)")
}

// parseFields turns name=value pairs into a field map. Later pairs win.
func parseFields(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	fields := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, want name=value", pair)
		}
		fields[name] = value
	}
	return fields, nil
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

		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
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

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- API calls ---

func (c *apiClient) listProfiles(ctx context.Context, refresh bool) ([]profile.AgentProfile, error) {
	path := "/profiles"
	if refresh {
		path += "?refresh=true"
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out []profile.AgentProfile
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) agentProfile(ctx context.Context, agentID string) (profile.AgentProfile, error) {
	resp, err := c.get(ctx, "/profiles/"+url.PathEscape(agentID))
	if err != nil {
		return profile.AgentProfile{}, err
	}
	var out profile.AgentProfile
	if err := decodeJSON(resp, &out); err != nil {
		return profile.AgentProfile{}, err
	}
	return out, nil
}

func (c *apiClient) myProfile(ctx context.Context, refresh bool) (profile.AgentProfile, error) {
	path := "/profiles/me"
	if refresh {
		path += "?refresh=true"
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return profile.AgentProfile{}, err
	}
	var out profile.AgentProfile
	if err := decodeJSON(resp, &out); err != nil {
		return profile.AgentProfile{}, err
	}
	return out, nil
}

func (c *apiClient) searchProfiles(ctx context.Context, prefix string) ([]profile.AgentProfile, error) {
	resp, err := c.get(ctx, "/profiles/search?prefix="+url.QueryEscape(prefix))
	if err != nil {
		return nil, err
	}
	var out []profile.AgentProfile
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) agentsProfiles(ctx context.Context, agentIDs []string) ([]profile.AgentProfile, error) {
	resp, err := c.get(ctx, "/profiles?agents="+url.QueryEscape(strings.Join(agentIDs, ",")))
	if err != nil {
		return nil, err
	}
	var out []profile.AgentProfile
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) createProfile(ctx context.Context, nickname string, fields map[string]string) (profile.AgentProfile, error) {
	resp, err := c.post(ctx, "/profiles/me", map[string]any{
		"nickname": nickname,
		"fields":   fields,
	})
	if err != nil {
		return profile.AgentProfile{}, err
	}
	var out profile.AgentProfile
	if err := decodeJSON(resp, &out); err != nil {
		return profile.AgentProfile{}, err
	}
	return out, nil
}

// --- local mirror ---

var openMirror = func() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening local mirror: %w", err)
	}
	return db, nil
}

// offlineProfiles reads the mirror. An empty prefix lists everything.
func offlineProfiles(prefix string) ([]profile.AgentProfile, error) {
	db, err := openMirror()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var records []storage.ProfileRecord
	if prefix == "" {
		records, err = db.ListProfiles()
	} else {
		records, err = db.SearchProfiles(prefix)
	}
	if err != nil {
		return nil, err
	}

	out := make([]profile.AgentProfile, len(records))
	for i, rec := range records {
		out[i] = rec.AgentProfile
	}
	return out, nil
}

// --- rendering ---

// showMany looks up several agents through the server in one request, or
// one by one in the local mirror.
func showMany(ctx context.Context, agentIDs []string, offline bool) ([]profile.AgentProfile, error) {
	if !offline {
		client, err := newAPIClient()
		if err != nil {
			return nil, err
		}
		return client.agentsProfiles(ctx, agentIDs)
	}

	db, err := openMirror()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var out []profile.AgentProfile
	for _, id := range agentIDs {
		rec, err := db.GetProfile(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", id, err)
		}
		out = append(out, rec.AgentProfile)
	}
	return out, nil
}

func render(w io.Writer, asJSON bool, profiles []profile.AgentProfile) error {
	if asJSON {
		if profiles == nil {
			profiles = []profile.AgentProfile{}
		}
		return writeIndented(w, profiles)
	}
	printProfileTable(w, profiles)
	return nil
}

func renderOne(w io.Writer, asJSON bool, ap profile.AgentProfile) error {
	if asJSON {
		return writeIndented(w, ap)
	}
	printProfile(w, ap)
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
