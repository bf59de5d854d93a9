package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"syndicate/pkg/types"
)

// apiClient talks to a running daemon's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, into interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the daemon running at %s?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s", apiErr.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if into != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(into)
	}
	return nil
}

func (c *apiClient) get(path string, into interface{}) error {
	return c.do(http.MethodGet, path, nil, into)
}

func (c *apiClient) post(path string, body, into interface{}) error {
	return c.do(http.MethodPost, path, body, into)
}

func (c *apiClient) delete(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}

type followList struct {
	Follows []types.FollowEdge `json:"follows"`
}

type entryList struct {
	Entries []types.IndexEntry `json:"entries"`
}

type sessionInfo struct {
	EdgeID            string    `json:"edge_id"`
	Target            string    `json:"target"`
	Status            string    `json:"status"`
	LastActivity      time.Time `json:"last_activity"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

type sessionList struct {
	Sessions []sessionInfo `json:"sessions"`
}

func followCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Manage follow edges",
	}
	cmd.AddCommand(followAddCmd(), followRemoveCmd(), followListCmd())
	return cmd
}

func followAddCmd() *cobra.Command {
	var (
		displayName string
		recursive   bool
	)

	cmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Follow a site",
		Long:  `Follow a site by its federated address (e.g. news@alpha.example).`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var edge types.FollowEdge
			err := newAPIClient().post("/v1/follows", map[string]interface{}{
				"target":       args[0],
				"display_name": displayName,
				"recursive":    recursive,
			}, &edge)
			if err != nil {
				return err
			}

			mode := "originals only"
			if edge.Recursive {
				mode = "recursive"
			}
			fmt.Printf("%s %s (%s)\n",
				successStyle.Render("✓ Following"),
				accentValueStyle.Render(edge.Target),
				mode)
			fmt.Printf("  edge id: %s\n", mutedStyle.Render(string(edge.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&displayName, "name", "", "display name for the followed site")
	cmd.Flags().BoolVar(&recursive, "recursive", false, "also accept content the target imported from elsewhere")
	return cmd
}

func followRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <edge-id>",
		Short: "Stop following a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().delete("/v1/follows/" + args[0]); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Unfollowed"))
			return nil
		},
	}
}

func followListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List follow edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list followList
			if err := newAPIClient().get("/v1/follows", &list); err != nil {
				return err
			}
			if len(list.Follows) == 0 {
				fmt.Println(mutedStyle.Render("No follow edges."))
				return nil
			}
			fmt.Println(renderFollowsTable(list.Follows))
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Show edge session health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list sessionList
			if err := newAPIClient().get("/v1/sessions", &list); err != nil {
				return err
			}
			if len(list.Sessions) == 0 {
				fmt.Println(mutedStyle.Render("No active sessions."))
				return nil
			}
			fmt.Println(renderSessionsTable(list.Sessions))
			return nil
		},
	}
}

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Query the federation index",
	}
	cmd.AddCommand(indexRecentCmd(), indexSearchCmd(), indexStatsCmd())
	return cmd
}

func indexRecentCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent index entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list entryList
			if err := newAPIClient().get(fmt.Sprintf("/v1/index/recent?limit=%d", limit), &list); err != nil {
				return err
			}
			if len(list.Entries) == 0 {
				fmt.Println(mutedStyle.Render("Index is empty."))
				return nil
			}
			fmt.Println(renderEntriesTable(list.Entries))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}

func indexSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <text>",
		Short: "Search index entries by title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var list entryList
			path := "/v1/index/search?q=" + url.QueryEscape(args[0])
			if err := newAPIClient().get(path, &list); err != nil {
				return err
			}
			if len(list.Entries) == 0 {
				fmt.Println(mutedStyle.Render("No matches."))
				return nil
			}
			fmt.Println(renderEntriesTable(list.Entries))
			return nil
		},
	}
}

func indexStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the federation index",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats types.IndexStats
			if err := newAPIClient().get("/v1/index/stats", &stats); err != nil {
				return err
			}
			fmt.Println(renderStatsPanel(stats))
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	var (
		category  string
		tags      []string
		thumbnail string
	)

	cmd := &cobra.Command{
		Use:   "publish <name> <locator>",
		Short: "Publish a content item on the local site",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var item types.ContentItem
			err := newAPIClient().post("/v1/content", map[string]interface{}{
				"name":              args[0],
				"content_locator":   args[1],
				"category_id":       category,
				"tags":              tags,
				"thumbnail_locator": thumbnail,
			}, &item)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n",
				successStyle.Render("✓ Published"),
				accentValueStyle.Render(item.Name))
			fmt.Printf("  content id: %s\n", mutedStyle.Render(string(item.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "content category")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags for index discovery")
	cmd.Flags().StringVar(&thumbnail, "thumbnail", "", "thumbnail locator")
	return cmd
}
