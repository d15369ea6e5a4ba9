// Command poolctl is an operator client for the PoolService gRPC API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"BatchVault/internal/command"
	"BatchVault/internal/ledger"
	"BatchVault/internal/server"
)

type options struct {
	addr    string
	caller  string
	timeout time.Duration
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "poolctl",
		Short:        "Submit commands to and query a BatchVault pool",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOrDefault("BATCHVAULT_GRPC_ADDR", "localhost:9090"), "PoolService gRPC address")
	root.PersistentFlags().StringVar(&opts.caller, "caller", os.Getenv("BATCHVAULT_CALLER"), "address the call is made as")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-call timeout")

	root.AddCommand(
		submitCmd(opts),
		simpleCmd(opts, "pool", "Show pool accounting, prices and status", "GetPool"),
		simpleCmd(opts, "share-price", "Show the gross share price", "SharePrice"),
		simpleCmd(opts, "net-share-price", "Show the share price net of pending fees", "NetSharePrice"),
		simpleCmd(opts, "total-net-assets", "Show pool assets net of pending fees", "TotalNetAssets"),
		simpleCmd(opts, "fees-preview", "Preview the fees the next settlement would charge", "ComputeLastBatchFees"),
		idCmd(opts, "batch [batch-id]", "Show a batch", "GetBatchInfo", func(id uint64) any { return server.BatchRequest{BatchID: id} }),
		idCmd(opts, "receiver [batch-id]", "Show the escrow receiver of a batch", "GetBatchReceiver", func(id uint64) any { return server.BatchRequest{BatchID: id} }),
		idCmd(opts, "request [request-id]", "Show a stake or unstake request", "GetRequest", func(id uint64) any { return server.RequestRequest{RequestID: id} }),
		idCmd(opts, "operation [operation-id]", "Show a settlement operation", "GetSettlementOperation", func(id uint64) any { return server.OperationRequest{OperationID: id} }),
		nonceCmd(opts),
		eventsCmd(opts),
		holderCmd(opts, "holding [holder]", "Show live share and asset holdings", "GetHolding"),
		holderCmd(opts, "balances [holder]", "Show projected balances", "GetBalances"),
		listCmd(opts),
		adminCmd(opts),
	)
	return root
}

// call dials the server, invokes method and prints the response as
// indented JSON.
func (o *options) call(cmd *cobra.Command, method string, in any) error {
	conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	var out json.RawMessage
	if err := server.NewClient(conn, ledger.Address(o.caller)).Call(ctx, method, in, &out); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, out, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), buf.String())
	return nil
}

func submitCmd(opts *options) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "submit [kind] [payload-json]",
		Short: "Submit a command, e.g. submit RequestStake '{\"beneficiary\":\"alice\",\"amount\":\"1000000\"}'",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := command.ParseKind(args[0])
			if !ok {
				return fmt.Errorf("unknown command kind %q", args[0])
			}
			req := server.SubmitRequest{Kind: string(kind), IdempotencyKey: key}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				req.Payload = json.RawMessage(args[1])
			}
			if req.IdempotencyKey == "" {
				req.IdempotencyKey = uuid.NewString()
			}
			return opts.call(cmd, "Submit", req)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (random when empty)")
	return cmd
}

func simpleCmd(opts *options, use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, method, server.Empty{})
		},
	}
}

func idCmd(opts *options, use, short, method string, req func(uint64) any) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return opts.call(cmd, method, req(id))
		},
	}
}

func holderCmd(opts *options, use, short, method string) *cobra.Command {
	var asset string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, method, server.HolderRequest{Holder: ledger.Address(args[0]), Asset: asset})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset to report (pool asset when empty)")
	return cmd
}

func nonceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nonce [approver]",
		Short: "Show the next settlement authorization nonce of an approver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.call(cmd, "NextNonce", server.NonceRequest{Approver: ledger.Address(args[0])})
		},
	}
}

func eventsCmd(opts *options) *cobra.Command {
	var (
		req     server.ListEventsRequest
		types   string
		batchID uint64
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events from the in-memory event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if types != "" {
				req.Types = strings.Split(types, ",")
			}
			if cmd.Flags().Changed("batch") {
				req.BatchID = &batchID
			}
			return opts.call(cmd, "ListEvents", req)
		},
	}
	cmd.Flags().Uint64Var(&req.FromIndex, "from", 0, "first event index")
	cmd.Flags().IntVar(&req.Limit, "limit", 100, "maximum events")
	cmd.Flags().StringVar(&types, "types", "", "comma-separated event types")
	cmd.Flags().Uint64Var(&batchID, "batch", 0, "only events of this batch")
	return cmd
}

// listCmd groups the projection-backed listings.
func listCmd(opts *options) *cobra.Command {
	var (
		limit  int
		cursor int64
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List read-model rows",
	}
	list.PersistentFlags().IntVar(&limit, "limit", 50, "maximum rows")
	list.PersistentFlags().Int64Var(&cursor, "cursor", 0, "pagination cursor (after id, before id or before sequence)")

	var beneficiary string
	requests := &cobra.Command{
		Use:   "requests",
		Short: "List requests, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, "ListRequests", server.ListRequestsRequest{Beneficiary: beneficiary, BeforeID: cursor, Limit: limit})
		},
	}
	requests.Flags().StringVar(&beneficiary, "beneficiary", "", "only requests of this beneficiary")

	list.AddCommand(
		&cobra.Command{
			Use:   "batches",
			Short: "List batches",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.call(cmd, "ListBatches", server.ListBatchesRequest{AfterID: cursor, Limit: limit})
			},
		},
		requests,
		&cobra.Command{
			Use:   "operations",
			Short: "List settlement operations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.call(cmd, "ListOperations", server.ListOperationsRequest{AfterID: cursor, Limit: limit})
			},
		},
		&cobra.Command{
			Use:   "journals [holder]",
			Short: "List journal entries touching a holder, newest first",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.call(cmd, "ListJournals", server.ListJournalsRequest{Holder: args[0], BeforeSequence: cursor, Limit: limit})
			},
		},
	)
	return list
}

func adminCmd(opts *options) *cobra.Command {
	var key string
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands",
	}
	admin.PersistentFlags().StringVar(&key, "key", "", "idempotency key for injected commands (random when empty)")
	idempotencyKey := func() string {
		if key != "" {
			return key
		}
		return uuid.NewString()
	}

	admin.AddCommand(
		simpleCmd(opts, "verify", "Check projection balances sum to zero per asset", "VerifyIntegrity"),
		simpleCmd(opts, "rebuild", "Rebuild the projection tables", "RebuildProjections"),
		simpleCmd(opts, "event-log", "Show core, persisted and projected sequences", "GetEventLogInfo"),
		&cobra.Command{
			Use:   "deposit [holder] [asset] [amount]",
			Short: "Credit external assets to a holder",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := parseAmount(args[2])
				if err != nil {
					return err
				}
				return opts.call(cmd, "InjectDepositAssets", server.InjectDepositRequest{
					IdempotencyKey: idempotencyKey(),
					Holder:         ledger.Address(args[0]),
					Asset:          args[1],
					Amount:         amount,
				})
			},
		},
		&cobra.Command{
			Use:   "yield [amount]",
			Short: "Deposit strategy yield into the pool",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := parseAmount(args[0])
				if err != nil {
					return err
				}
				return opts.call(cmd, "InjectYield", server.InjectYieldRequest{
					IdempotencyKey: idempotencyKey(),
					Amount:         amount,
				})
			},
		},
		&cobra.Command{
			Use:   "pause [true|false]",
			Short: "Pause or resume stake and unstake requests",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				paused, err := strconv.ParseBool(args[0])
				if err != nil {
					return fmt.Errorf("invalid pause flag %q", args[0])
				}
				return opts.call(cmd, "SetPaused", server.SetPausedRequest{
					IdempotencyKey: idempotencyKey(),
					Paused:         paused,
				})
			},
		},
	)
	return admin
}

func parseAmount(s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok || !v.IsPositive() {
		return sdkmath.Int{}, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
