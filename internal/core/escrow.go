package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Escrow moves the unit of account in and out of a market. Allowance and
// balance checks belong to the implementation. Returning an error aborts
// the command before any settlement state changes.
type Escrow interface {
	Deposit(ctx context.Context, marketID uint64, from common.Address, amount int64) error
	Release(ctx context.Context, marketID uint64, to common.Address, amount int64) error
}

// NoopEscrow accepts every transfer. Used when funds are custodied
// elsewhere and the ledger is the only record.
type NoopEscrow struct{}

func (NoopEscrow) Deposit(context.Context, uint64, common.Address, int64) error { return nil }

func (NoopEscrow) Release(context.Context, uint64, common.Address, int64) error { return nil }
