package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IIawaII/nodecrypt/internal/client"
	"github.com/IIawaII/nodecrypt/internal/logging"
)

type rootOptions struct {
	relayURL string
	timeout  time.Duration
	logLevel string
	log      *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mockclient",
		Short:         "Drive a nodecrypt relay from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.NewLogger(opts.logLevel, "console")
			if err != nil {
				return err
			}
			opts.log = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.relayURL, "url", "ws://127.0.0.1:8080/ws", "Websocket URL of the relay room")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall timeout for the command")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level")

	root.AddCommand(newListenCmd(opts), newSendCmd(opts), newUploadCmd(opts), newFetchCmd(opts))
	return root
}

func (o *rootOptions) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func (o *rootOptions) connect(ctx context.Context, channel string) (*client.Client, error) {
	c, err := client.Dial(ctx, o.relayURL, client.DialOptions{Logger: o.log})
	if err != nil {
		return nil, err
	}
	o.log.Info("connected", zap.String("url", o.relayURL), zap.String("server_fingerprint", c.Fingerprint()))
	if err := c.Join(channel); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("join %s: %w", channel, err)
	}
	return c, nil
}

func newListenCmd(opts *rootOptions) *cobra.Command {
	var (
		channel string
		count   int
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Join a channel and print every delivered message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			c, err := opts.connect(ctx, channel)
			if err != nil {
				return err
			}
			defer c.Close()

			received := 0
			for {
				m, err := c.Next(ctx)
				if err != nil {
					if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				switch m.Action {
				case "l":
					opts.log.Info("members", zap.Strings("peers", m.Members))
				case "c":
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.From, m.Body)
					received++
					if count > 0 && received >= count {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "lobby", "Channel to join")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many messages (0 waits until the timeout)")
	return cmd
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		channel string
		to      string
		body    string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Join a channel, wait for peers, and deliver a message",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			c, err := opts.connect(ctx, channel)
			if err != nil {
				return err
			}
			defer c.Close()

			peers, err := waitForPeers(ctx, c)
			if err != nil {
				return err
			}
			if to != "" {
				peers = []string{to}
				err = c.Send(to, body)
			} else {
				bodies := make(map[string]string, len(peers))
				for _, p := range peers {
					bodies[p] = body
				}
				err = c.Broadcast(bodies)
			}
			if err != nil {
				return err
			}
			opts.log.Info("message sent", zap.Strings("recipients", peers))
			// Round trip so the relay has processed the frame before the socket closes.
			if err := c.Ping(); err != nil {
				return err
			}
			for {
				m, err := c.Next(ctx)
				if err != nil || m.Action == "pong" {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "lobby", "Channel to join")
	cmd.Flags().StringVar(&to, "to", "", "Recipient connection id (default: every member)")
	cmd.Flags().StringVar(&body, "body", "hello", "Message body, normally ciphertext")
	return cmd
}

func waitForPeers(ctx context.Context, c *client.Client) ([]string, error) {
	for {
		m, err := c.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for peers: %w", err)
		}
		if m.Action == "l" && len(m.Members) > 0 {
			return m.Members, nil
		}
	}
}

// httpBase maps the relay websocket URL to the HTTP origin serving the blob API.
func httpBase(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path, u.RawQuery = "", ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func newUploadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE",
		Short: "Store an (already encrypted) file in the blob store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			base, err := httpBase(opts.relayURL)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+"/api/upload", bytes.NewReader(data))
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out struct {
				OK     bool   `json:"ok"`
				FileID string `json:"fileId"`
				Error  string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decode upload response: %w", err)
			}
			if !out.OK {
				return fmt.Errorf("upload rejected (%d): %s", resp.StatusCode, out.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.FileID)
			return nil
		},
	}
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "fetch FILE_ID",
		Short: "Download a blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			base, err := httpBase(opts.relayURL)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/image/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("fetch %s: %s", args[0], resp.Status)
			}
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			_, err = io.Copy(w, resp.Body)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}
