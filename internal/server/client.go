package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"BatchVault/internal/ledger"
)

// Client calls PoolService methods by name over an existing connection.
type Client struct {
	cc     grpc.ClientConnInterface
	caller ledger.Address
}

// NewClient returns a client that sends caller as x-caller metadata on
// every call; caller may be empty for read-only use.
func NewClient(cc grpc.ClientConnInterface, caller ledger.Address) *Client {
	return &Client{cc: cc, caller: caller}
}

// Call invokes method (e.g. "GetBatchInfo") with in and decodes into out.
func (c *Client) Call(ctx context.Context, method string, in, out any) error {
	if c.caller != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, CallerMetadataKey, string(c.caller))
	}
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}
