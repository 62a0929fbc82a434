// Package main provides chatctl, a command-line client for the chatbridge
// status and control endpoints.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/chatbridge/pkg/delivery"
)

const usage = `usage: chatctl [flags] <command> [args]

commands:
  status                        show connection state
  health                        exit non-zero unless the connection is READY
  send <group-id> <message>     send a message through the live connection
  restart                       drop the connection and start over
  clear-session                 delete the stored session credentials
  deliver <webhook-url> <text>  post a test payload to a webhook with retries
`

type options struct {
	server  string
	token   string
	timeout time.Duration
	verbose bool
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("chatctl", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	var opts options
	fs.StringVar(&opts.server, "server", envOr("CHATBRIDGE_SERVER", "http://localhost:3000"), "chatbridge base URL")
	fs.StringVar(&opts.token, "token", os.Getenv("ADMIN_TOKEN"), "admin bearer token for restart and clear-session")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	fs.BoolVar(&opts.verbose, "verbose", false, "print full responses")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("command required")
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	c := &client{base: strings.TrimRight(opts.server, "/"), token: opts.token, http: &http.Client{}}

	switch cmd := rest[0]; cmd {
	case "status":
		var st map[string]any
		if _, err := c.do(ctx, http.MethodGet, "/", nil, &st); err != nil {
			return err
		}
		if opts.verbose {
			return prettyPrintJSON(stdout, st)
		}
		fmt.Fprintf(stdout, "%v session=%v reconnect_attempts=%v webhook=%v\n",
			st["clientState"], st["sessionId"], st["reconnectAttempts"], st["webhookUrlSet"])
		return nil

	case "health":
		var st map[string]string
		code, err := c.do(ctx, http.MethodGet, "/healthz", nil, &st)
		if err != nil && code == 0 {
			return err
		}
		fmt.Fprintln(stdout, st["state"])
		if code != http.StatusOK {
			return fmt.Errorf("not ready (HTTP %d)", code)
		}
		return nil

	case "send":
		if len(rest) < 3 {
			return errors.New("send requires <group-id> <message>")
		}
		req := map[string]string{"groupId": rest[1], "message": strings.Join(rest[2:], " ")}
		var resp struct {
			MessageID string `json:"messageId"`
			Error     string `json:"error"`
			Success   bool   `json:"success"`
		}
		if _, err := c.do(ctx, http.MethodPost, "/send-message", req, &resp); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "sent %s\n", resp.MessageID)
		return nil

	case "restart", "clear-session":
		var resp map[string]any
		if _, err := c.do(ctx, http.MethodPost, "/"+cmd, nil, &resp); err != nil {
			return err
		}
		fmt.Fprintln(stdout, resp["message"])
		return nil

	case "deliver":
		if len(rest) < 3 {
			return errors.New("deliver requires <webhook-url> <text>")
		}
		return deliver(ctx, rest[1], strings.Join(rest[2:], " "), stdout)

	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// deliver posts a synthetic group message to url using the daemon's
// delivery policy.
func deliver(ctx context.Context, url, text string, stdout io.Writer) error {
	cfg := delivery.DefaultConfig(url)
	cfg.Secret = os.Getenv("WEBHOOK_SECRET")
	sender := delivery.New(cfg)

	p := delivery.Payload{
		GroupID:   "chatctl@g.us",
		SenderID:  "chatctl@c.us",
		MessageID: fmt.Sprintf("chatctl-%d", time.Now().UnixNano()),
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if err := sender.Deliver(ctx, p); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	fmt.Fprintf(stdout, "delivered %s\n", p.MessageID)
	return nil
}

type client struct {
	http  *http.Client
	base  string
	token string
}

// do sends a JSON request and decodes the JSON response into out. Non-2xx
// responses return an error carrying the server's message and the status.
func (c *client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chatctl/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e) //nolint:errcheck // best effort
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// prettyPrintJSON prints a JSON object in a formatted, indented way.
func prettyPrintJSON(w io.Writer, data any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}
