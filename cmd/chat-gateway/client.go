// ABOUTME: Client commands that talk to a running gateway over HTTP and websockets
// ABOUTME: health and status query endpoints; chat is a line-based websocket client

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/gateway"
	"github.com/2389/chat-gateway/internal/session"
)

// baseURL returns the gateway's HTTP base URL from --addr, or from the config file.
func baseURL() (string, error) {
	if addr != "" {
		if strings.Contains(addr, "://") {
			return strings.TrimRight(addr, "/"), nil
		}
		return "http://" + addr, nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", fmt.Errorf("loading config (or pass --addr): %w", err)
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func addAddrFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&addr, "addr", "", "gateway HTTP address, overrides the config file")
}

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health and readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL()
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), http.DefaultClient, base, cmd.OutOrStdout())
		},
	}
	addAddrFlag(cmd)
	return cmd
}

func runHealth(ctx context.Context, client *http.Client, base string, out io.Writer) error {
	for _, path := range []string{"/health", "/health/ready"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		fmt.Fprintf(out, "%-14s %s\n", path, strings.TrimSpace(string(body)))
	}

	color.New(color.FgGreen).Fprintln(out, "healthy")
	return nil
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <user_id>",
		Short: "Show how many websocket connections a user has open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user_id %q", args[0])
			}
			base, err := baseURL()
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), http.DefaultClient, base, userID, cmd.OutOrStdout())
		},
	}
	addAddrFlag(cmd)
	return cmd
}

func runStatus(ctx context.Context, client *http.Client, base string, userID int64, out io.Writer) error {
	url := fmt.Sprintf("%s/ws/users/%d/status", base, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request returned %d", resp.StatusCode)
	}

	var st gateway.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	state := color.HiBlackString("offline")
	if st.IsOnline {
		state = color.GreenString("online")
	}
	fmt.Fprintf(out, "user %d: %s (%d connection(s))\n", st.UserID, state, st.ActiveConnections)
	return nil
}

func newChatCmd() *cobra.Command {
	var conversationID int64

	cmd := &cobra.Command{
		Use:   "chat <user_id>",
		Short: "Chat with the gateway from the terminal over a websocket",
		Long: `Opens a websocket session for the user and sends each input line as a
message. Replies are printed as they stream in. End input with Ctrl-D.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user_id %q", args[0])
			}
			base, err := baseURL()
			if err != nil {
				return err
			}
			var conv *int64
			if cmd.Flags().Changed("conversation") {
				conv = &conversationID
			}
			return runChat(cmd.Context(), base, userID, conv, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addAddrFlag(cmd)
	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "continue an existing conversation")
	return cmd
}

// wsURL rewrites an http(s) base URL to the websocket endpoint for userID.
func wsURL(base string, userID int64) string {
	u := base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return fmt.Sprintf("%s/ws/%d", u, userID)
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

func runChat(ctx context.Context, base string, userID int64, conversationID *int64, in io.Reader, out io.Writer) error {
	conn, _, err := websocket.Dial(ctx, wsURL(base, userID), nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.CloseNow()

	gray := color.New(color.FgHiBlack)
	red := color.New(color.FgRed)

	ev, err := readEvent(ctx, conn)
	if err != nil {
		return err
	}
	if c, ok := ev.(session.Connected); ok {
		gray.Fprintf(out, "%s (user %d)\n", c.Message, c.UserID)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := wsjson.Write(ctx, conn, chatRequest{Message: line, ConversationID: conversationID}); err != nil {
			return fmt.Errorf("sending message: %w", err)
		}

	exchange:
		for {
			ev, err := readEvent(ctx, conn)
			if err != nil {
				return err
			}
			switch e := ev.(type) {
			case session.ConversationCreated:
				id := e.ConversationID
				conversationID = &id
				gray.Fprintf(out, "[conversation %d]\n", id)
			case session.Chunk:
				fmt.Fprint(out, e.Content)
			case session.MessageComplete:
				fmt.Fprintln(out)
				break exchange
			case session.Error:
				red.Fprintln(out, e.Message)
				break exchange
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	return conn.Close(websocket.StatusNormalClosure, "")
}

func readEvent(ctx context.Context, conn *websocket.Conn) (session.Event, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("server closed connection: %d %s", ce.Code, ce.Reason)
		}
		return nil, fmt.Errorf("reading event: %w", err)
	}
	return session.Decode(data)
}
