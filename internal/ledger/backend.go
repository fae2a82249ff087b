package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of a ledger RPC client the resolver reads through.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ClientSource hands out the two ledger client handles: the general one for
// contract state and the holder one for vote and membership history.
type ClientSource interface {
	GeneralBackend(ctx context.Context) (Backend, error)
	HolderBackend(ctx context.Context) (Backend, error)
}

// StaticClients serves fixed backends
type StaticClients struct {
	General Backend
	Holder  Backend
}

// GeneralBackend returns the general backend
func (s StaticClients) GeneralBackend(context.Context) (Backend, error) { return s.General, nil }

// HolderBackend returns the holder backend, or the general one if unset
func (s StaticClients) HolderBackend(context.Context) (Backend, error) {
	if s.Holder == nil {
		return s.General, nil
	}
	return s.Holder, nil
}
