package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serverURL    string
	serverAPIKey string
	channelID    string
	channelType  string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage AI agents on a running server",
}

var agentStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the AI agent for a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := newAPIClient().start(cmd.Context(), channelType, channelID)
		if err != nil {
			return err
		}
		color.Green("✓ %s (%s)", msg, channelID)
		return nil
	},
}

var agentStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the AI agent for a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := newAPIClient().stop(cmd.Context(), channelID)
		if err != nil {
			return err
		}
		color.Green("✓ %s (%s)", msg, channelID)
		return nil
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and the number of live agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cyan := color.New(color.FgCyan)
		green := color.New(color.FgGreen)
		yellow := color.New(color.FgYellow)

		cyan.Println("🤖 Conversate AI Status")
		fmt.Println()

		st, err := newAPIClient().status(cmd.Context())
		if err != nil {
			yellow.Printf("  Server: ")
			color.Red("UNREACHABLE (%v)\n", err)
			return nil
		}
		green.Printf("  Server: ")
		fmt.Printf("%s (%s)\n", st.Message, serverURL)
		green.Printf("  Agents: ")
		fmt.Printf("%d\n", st.ActiveAgents)
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := newAPIClient().list(cmd.Context())
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			color.Yellow("No live agents")
			return nil
		}
		return printAgents(os.Stdout, agents, time.Now())
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentStartCmd, agentStopCmd, agentStatusCmd, agentListCmd)

	agentCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CONVERSATE_AI_URL", "http://localhost:5001"), "AI server base URL")
	agentCmd.PersistentFlags().StringVar(&serverAPIKey, "api-key", os.Getenv("CONVERSATE_AI_API_KEY"), "API key for the /ai routes")

	for _, c := range []*cobra.Command{agentStartCmd, agentStopCmd} {
		c.Flags().StringVarP(&channelID, "channel", "c", "", "channel id, plain or type:id")
		c.MarkFlagRequired("channel")
	}
	agentStartCmd.Flags().StringVarP(&channelType, "type", "t", "messaging", "channel type")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printAgents(out io.Writer, agents []models.AgentInfo, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BOT\tCHANNEL\tSTARTED\tIDLE")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\n",
			a.BotID,
			a.ChannelType, a.ChannelID,
			a.StartedAt.Local().Format(time.DateTime),
			now.Sub(a.LastInteraction).Truncate(time.Second),
		)
	}
	return tw.Flush()
}

// ── HTTP client ─────────────────────────────────────────────

type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		apiKey:  serverAPIKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type statusResponse struct {
	Message      string `json:"message"`
	ActiveAgents int    `json:"activeAgents"`
}

type actionResult struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Reason  string `json:"reason"`
}

func (c *apiClient) start(ctx context.Context, chType, chID string) (string, error) {
	var res actionResult
	err := c.do(ctx, http.MethodPost, "/ai/start-ai-agent",
		map[string]string{"channel_id": chID, "channel_type": chType}, &res)
	return res.Message, err
}

func (c *apiClient) stop(ctx context.Context, chID string) (string, error) {
	var res actionResult
	err := c.do(ctx, http.MethodPost, "/ai/stop-ai-agent", map[string]string{"channel_id": chID}, &res)
	return res.Message, err
}

func (c *apiClient) status(ctx context.Context) (*statusResponse, error) {
	var res statusResponse
	if err := c.do(ctx, http.MethodGet, "/ai/", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *apiClient) list(ctx context.Context) ([]models.AgentInfo, error) {
	var res struct {
		Agents []models.AgentInfo `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/ai/agents", nil, &res); err != nil {
		return nil, err
	}
	return res.Agents, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var fail actionResult
		if json.Unmarshal(raw, &fail) == nil && fail.Error != "" {
			if fail.Reason != "" {
				return fmt.Errorf("%s: %s", fail.Error, fail.Reason)
			}
			return fmt.Errorf("%s", fail.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}
