// banshoctl is a small client for driving a bansho server from the terminal:
// it submits commands, resumes runs, and inspects the run ledger.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/banshohq/bansho/internal/model"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type clientFlags struct {
	serverURL string
	token     string
	boardID   string
}

func newRootCmd() *cobra.Command {
	flags := &clientFlags{}

	cmd := &cobra.Command{
		Use:           "banshoctl",
		Short:         "Client for the bansho board command server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.serverURL, "server", envOr("BANSHO_SERVER", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("BANSHO_TOKEN"), "bearer token (from POST /auth/token)")
	cmd.PersistentFlags().StringVar(&flags.boardID, "board", os.Getenv("BANSHO_BOARD"), "board UUID")

	cmd.AddCommand(newTokenCmd(flags))
	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newResumeCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newTokenCmd(flags *clientFlags) *cobra.Command {
	var userID, apiKey string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange a user ID and API key for a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(model.AuthTokenRequest{UserID: userID, APIKey: apiKey})
			resp, err := http.Post(flags.serverURL+"/auth/token", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return readAPIError(resp)
			}

			var envelope struct {
				Data model.AuthTokenResponse `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Println(envelope.Data.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("api-key")
	return cmd
}

func newRunCmd(flags *clientFlags) *cobra.Command {
	var commandID string

	cmd := &cobra.Command{
		Use:   "run [command text]",
		Short: "Submit a command and stream its events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID, err := requireBoard(flags)
			if err != nil {
				return err
			}

			cid := uuid.New()
			if commandID != "" {
				cid, err = uuid.Parse(commandID)
				if err != nil {
					return fmt.Errorf("invalid --command-id: %w", err)
				}
			}

			body, _ := json.Marshal(model.CommandRequest{
				CommandID:   cid,
				CommandText: strings.Join(args, " "),
			})
			url := fmt.Sprintf("%s/v1/boards/%s/commands", flags.serverURL, boardID)
			fmt.Fprintln(os.Stderr, "command_id:", cid)
			return streamSSE(flags, url, body)
		},
	}
	cmd.Flags().StringVar(&commandID, "command-id", "", "idempotency key UUID (generated when omitted)")
	return cmd
}

func newResumeCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <command-id>",
		Short: "Resume or replay a run and stream its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID, err := requireBoard(flags)
			if err != nil {
				return err
			}
			cid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid command-id: %w", err)
			}
			url := fmt.Sprintf("%s/v1/boards/%s/commands/%s/resume", flags.serverURL, boardID, cid)
			return streamSSE(flags, url, nil)
		},
	}
}

func newStatusCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <command-id>",
		Short: "Show the run ledger record for a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID, err := requireBoard(flags)
			if err != nil {
				return err
			}
			cid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid command-id: %w", err)
			}

			url := fmt.Sprintf("%s/v1/boards/%s/runs/%s", flags.serverURL, boardID, cid)
			req, err := http.NewRequest(http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			authorize(req, flags)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return readAPIError(resp)
			}

			var envelope struct {
				Data model.Run `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			pretty, _ := json.MarshalIndent(envelope.Data, "", "  ")
			fmt.Println(string(pretty))
			return nil
		},
	}
}

func requireBoard(flags *clientFlags) (uuid.UUID, error) {
	if flags.boardID == "" {
		return uuid.Nil, fmt.Errorf("--board (or BANSHO_BOARD) is required")
	}
	id, err := uuid.Parse(flags.boardID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid board UUID: %w", err)
	}
	return id, nil
}

// readAPIError turns a non-200 response into a Go error, preferring the
// server's JSON error envelope when one is present.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope model.APIError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

func authorize(req *http.Request, flags *clientFlags) {
	if flags.token != "" {
		req.Header.Set("Authorization", "Bearer "+flags.token)
	}
}

// streamSSE posts to an SSE endpoint and prints events as they arrive.
// Text deltas render inline; everything else gets one line per event.
func streamSSE(flags *clientFlags, url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	authorize(req, flags)

	// No overall timeout: a run may legitimately stream for minutes.
	client := &http.Client{Timeout: 0}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	inText := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev model.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			continue
		}
		printEvent(ev, &inText)
	}
	return scanner.Err()
}

func printEvent(ev model.StreamEvent, inText *bool) {
	if ev.Type == model.EventText {
		fmt.Print(ev.Text)
		*inText = true
		return
	}
	if *inText {
		fmt.Println()
		*inText = false
	}

	switch ev.Type {
	case model.EventMeta:
		fmt.Printf("[meta] model=%s complexity=%s", ev.Meta.Model, ev.Meta.Complexity)
		if ev.Meta.FastPath != "" {
			fmt.Printf(" fast_path=%s", ev.Meta.FastPath)
		}
		fmt.Println()
	case model.EventPlanReady:
		fmt.Printf("[plan] %d step(s)\n", len(ev.Plan.Steps))
	case model.EventToolStart:
		fmt.Printf("[tool] %s started\n", ev.Tool.Name)
	case model.EventToolResult:
		if ev.Tool.Error != "" {
			fmt.Printf("[tool] %s failed: %s\n", ev.Tool.Name, ev.Tool.Error)
		} else {
			fmt.Printf("[tool] %s ok\n", ev.Tool.Name)
		}
	case model.EventStepStarted, model.EventStepSucceeded, model.EventStepFailed:
		fmt.Printf("[%s] step %d (%s)", ev.Type, ev.Step.Index, ev.Step.Tool)
		if ev.Step.Error != "" {
			fmt.Printf(": %s", ev.Step.Error)
		}
		fmt.Println()
	case model.EventNavigate:
		fmt.Printf("[navigate] x=%.0f y=%.0f w=%.0f h=%.0f\n", ev.Navigate.X, ev.Navigate.Y, ev.Navigate.W, ev.Navigate.H)
	case model.EventError:
		fmt.Printf("[error] %s: %s\n", ev.Error.Kind, ev.Error.Message)
	case model.EventDone:
		fmt.Println("[done]")
	}
}
