package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/iho/casledger/internal/adapter/http/dto"
	"github.com/iho/casledger/internal/domain"
)

type options struct {
	baseURL        string
	timeout        time.Duration
	scale          int32
	idempotencyKey string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "casledger-cli",
		Short:        "casledger CLI tool",
		Long:         `A command line interface for moving funds and inspecting a casledger gateway.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "Base URL of the casledger API")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().Int32Var(&opts.scale, "scale", domain.DefaultAmountScale, "Decimal places of the currency minor unit")

	rootCmd.AddCommand(transferCmd(opts), accountCmd(opts), ledgerCmd(opts))

	return rootCmd
}

func transferCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer operations",
	}

	create := &cobra.Command{
		Use:   "create <sender> <receiver> <amount>",
		Short: "Move funds between two accounts",
		Long:  "Move funds between two accounts. The amount is given in major units, e.g. 12.50.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := domain.ParseAmount(args[2], opts.scale)
			if err != nil {
				return err
			}

			return newClient(opts).do(cmd, http.MethodPost, "/api/v1/transfers", dto.CreateTransferRequest{
				SenderID:   args[0],
				ReceiverID: args[1],
				Amount:     amount,
			})
		},
	}
	create.Flags().StringVar(&opts.idempotencyKey, "idempotency-key", "", "Idempotency-Key header sent with the request")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a transfer record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).do(cmd, http.MethodGet, "/api/v1/transfers/"+url.PathEscape(args[0]), nil)
		},
	}

	cmd.AddCommand(create, get)

	return cmd
}

func accountCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Account operations",
	}

	var id string
	create := &cobra.Command{
		Use:   "create <opening-balance>",
		Short: "Open an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := parseBalance(args[0], opts.scale)
			if err != nil {
				return err
			}

			return newClient(opts).do(cmd, http.MethodPost, "/api/v1/accounts", dto.CreateAccountRequest{
				ID:      id,
				Balance: balance,
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "Account ID (generated when empty)")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).do(cmd, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(args[0]), nil)
		},
	}

	var limit, offset int
	transfers := &cobra.Command{
		Use:   "transfers <id>",
		Short: "List transfers of an account, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			path := "/api/v1/accounts/" + url.PathEscape(args[0]) + "/transfers?" + q.Encode()

			return newClient(opts).do(cmd, http.MethodGet, path, nil)
		},
	}
	transfers.Flags().IntVar(&limit, "limit", 20, "Page size")
	transfers.Flags().IntVar(&offset, "offset", 0, "Page offset")

	cmd.AddCommand(create, get, transfers)

	return cmd
}

func ledgerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger operations",
	}

	consistency := &cobra.Command{
		Use:   "consistency",
		Short: "Check that balances add up to the opening balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).do(cmd, http.MethodGet, "/api/v1/ledger/consistency", nil)
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle transfers left pending by storage failures",
		Long:  "Run one reconciliation pass. Pending transfers whose last write provably never landed are rejected, and a held debit is returned to the sender.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).do(cmd, http.MethodPost, "/api/v1/ledger/reconcile", nil)
		},
	}

	cmd.AddCommand(consistency, reconcile)

	return cmd
}

// parseBalance accepts zero, unlike transfer amounts.
func parseBalance(s string, scale int32) (int64, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == 0 {
		return 0, nil
	}

	return domain.ParseAmount(s, scale)
}

type client struct {
	opts *options
	http *http.Client
}

func newClient(opts *options) *client {
	return &client{opts: opts, http: &http.Client{Timeout: opts.timeout}}
}

// do sends the request and prints the JSON response. Non-2xx answers are
// printed too and reported as an error.
func (c *client) do(cmd *cobra.Command, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.baseURL+path, reader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if method == http.MethodPost && c.opts.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", c.opts.idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	printJSON(cmd.OutOrStdout(), raw)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	return nil
}

func printJSON(w io.Writer, raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}

	fmt.Fprintln(w, buf.String())
}
