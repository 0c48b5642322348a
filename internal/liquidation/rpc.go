package liquidation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCClient talks to the external execution sidecar over JSON-RPC. It
// implements both Router and Custody: router_execute hands off a swap and
// custody_balance reads the omnibus balance used for delta verification.
type RPCClient struct {
	client *rpc.Client
}

func DialRPC(ctx context.Context, url string) (*RPCClient, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("liquidation: dial router: %w", err)
	}
	return &RPCClient{client: client}, nil
}

func (c *RPCClient) Execute(ctx context.Context, commands []byte, asset common.Address, amount *big.Int) error {
	return c.client.CallContext(ctx, nil, "router_execute",
		hexutil.Bytes(commands), asset, (*hexutil.Big)(amount))
}

func (c *RPCClient) Balance(ctx context.Context, asset common.Address) (*big.Int, error) {
	var out hexutil.Big
	if err := c.client.CallContext(ctx, &out, "custody_balance", asset); err != nil {
		return nil, fmt.Errorf("liquidation: custody balance: %w", err)
	}
	return (*big.Int)(&out), nil
}

func (c *RPCClient) Close() {
	c.client.Close()
}
