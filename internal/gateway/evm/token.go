package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/contracts/erc20"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// TokenGateway moves an ERC20-style token. Chain reads, signing and
// broadcasting go through the native gateway of the platform; fees are
// paid in the native coin.
type TokenGateway struct {
	native   *Gateway
	currency chain.Currency
	contract common.Address
	log      *logging.Logger
}

var _ gateway.Gateway = (*TokenGateway)(nil)

// NewToken wraps native for the token c.
func NewToken(native *Gateway, c chain.Currency) (*TokenGateway, error) {
	contract, err := parseAddress(c.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("%s: contract: %w", c.Symbol, err)
	}
	return &TokenGateway{
		native:   native,
		currency: c,
		contract: contract,
		log:      logging.GetDefault().Component("gateway." + c.Symbol),
	}, nil
}

// TokenFactory builds token gateways on top of the registry's native
// gateway of the same platform.
func TokenFactory() gateway.Factory {
	return func(ctx context.Context, c chain.Currency, _ chain.CurrencyConfig, reg *gateway.Registry) (gateway.Gateway, error) {
		nc, err := reg.Currencies().Native(c.Platform)
		if err != nil {
			return nil, err
		}
		g, err := reg.Get(ctx, nc.Symbol)
		if err != nil {
			return nil, err
		}
		native, ok := g.(*Gateway)
		if !ok {
			return nil, fmt.Errorf("%s: %w", c.Symbol, errNoNative)
		}
		return NewToken(native, c)
	}
}

// Currency returns the token.
func (t *TokenGateway) Currency() chain.Currency {
	return t.currency
}

func (t *TokenGateway) tokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := erc20.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := t.native.client.CallContract(ctx, ethereum.CallMsg{To: &t.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: balanceOf %s: %w", t.currency.Symbol, owner.Hex(), err)
	}
	bal, err := erc20.UnpackBalance(out)
	if err != nil {
		return nil, fmt.Errorf("%s: balanceOf %s: %w", t.currency.Symbol, owner.Hex(), err)
	}
	return bal, nil
}

// GetAddressBalance returns the token balance in base units.
func (t *TokenGateway) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	owner, err := parseAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := t.tokenBalance(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return helpers.BigToDecimal(bal), nil
}

// GetBlockCount returns the native safe head.
func (t *TokenGateway) GetBlockCount(ctx context.Context) (uint64, error) {
	return t.native.GetBlockCount(ctx)
}

// GetOneBlock returns the native block.
func (t *TokenGateway) GetOneBlock(ctx context.Context, number uint64) (*gateway.Block, error) {
	return t.native.GetOneBlock(ctx, number)
}

// transfers decodes the Transfer events the token contract emitted.
func (t *TokenGateway) transfers(logs []types.Log) []gateway.Transfer {
	var out []gateway.Transfer
	for _, l := range logs {
		if l.Removed || l.Address != t.contract {
			continue
		}
		tr, err := erc20.ParseTransfer(l)
		if err != nil {
			continue
		}
		out = append(out, gateway.Transfer{
			From:   tr.From.Hex(),
			To:     tr.To.Hex(),
			Amount: helpers.BigToDecimal(tr.Value),
		})
	}
	return out
}

// GetOneTransaction returns the token transfers of a transaction, or nil
// when it emitted none.
func (t *TokenGateway) GetOneTransaction(ctx context.Context, txid string) (*gateway.Transaction, error) {
	r, err := t.native.receipt(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("%s: receipt %s: %w", t.currency.Symbol, txid, err)
	}
	if r == nil {
		return nil, nil
	}
	logs := make([]types.Log, len(r.Logs))
	for i, l := range r.Logs {
		logs[i] = l.toLog()
	}
	transfers := t.transfers(logs)
	if len(transfers) == 0 {
		return nil, nil
	}
	head, err := t.native.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	tx := &gateway.Transaction{
		Currency:      t.currency,
		TxID:          r.TxHash.Hex(),
		BlockHash:     r.BlockHash.Hex(),
		Height:        uint64(r.BlockNumber),
		Confirmations: gateway.Confirmations(head, uint64(r.BlockNumber)),
		IsFailed:      r.failed(),
		Fee:           helpers.BigToDecimal(r.fee()),
		Transfers:     transfers,
	}
	if b, err := t.native.block(ctx, tx.Height); err == nil {
		tx.Timestamp = int64(b.Timestamp)
	}
	return tx, nil
}

// GetBlockTransactions finds the token transfers of a block with eth_getLogs.
// Reverted transactions emit no logs, so every result succeeded.
func (t *TokenGateway) GetBlockTransactions(ctx context.Context, number uint64) ([]*gateway.Transaction, error) {
	n := new(big.Int).SetUint64(number)
	logs, err := t.native.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: n,
		ToBlock:   n,
		Addresses: []common.Address{t.contract},
		Topics:    [][]common.Hash{{erc20.TransferTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: logs of block %d: %w", t.currency.Symbol, number, err)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	head, err := t.native.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	var timestamp int64
	if b, err := t.native.block(ctx, number); err == nil {
		timestamp = int64(b.Timestamp)
	}

	var (
		txs    []*gateway.Transaction
		byHash = make(map[common.Hash]*gateway.Transaction)
	)
	for _, l := range logs {
		transfers := t.transfers([]types.Log{l})
		if len(transfers) == 0 {
			continue
		}
		tx, ok := byHash[l.TxHash]
		if !ok {
			tx = &gateway.Transaction{
				Currency:      t.currency,
				TxID:          l.TxHash.Hex(),
				BlockHash:     l.BlockHash.Hex(),
				Height:        number,
				Timestamp:     timestamp,
				Confirmations: gateway.Confirmations(head, number),
			}
			byHash[l.TxHash] = tx
			txs = append(txs, tx)
		}
		tx.Transfers = append(tx.Transfers, transfers...)
	}
	return txs, nil
}

// GetTransactionStatus delegates to the native receipt status.
func (t *TokenGateway) GetTransactionStatus(ctx context.Context, txid string) (gateway.TxStatus, error) {
	return t.native.GetTransactionStatus(ctx, txid)
}

// ConstructRawTransaction builds a transfer(to, amount) call. The token
// balance must cover amount and the native balance the fee. Consolidation
// has no meaning for tokens and is ignored.
func (t *TokenGateway) ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, opts gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	fromAddr, err := parseAddress(from)
	if err != nil {
		return nil, err
	}
	toAddr, err := parseAddress(to)
	if err != nil {
		return nil, err
	}
	value, err := helpers.DecimalToBig(amount)
	if err != nil || value.Sign() <= 0 {
		return nil, fmt.Errorf("%s: amount %s must be a positive whole number", t.currency.Symbol, amount)
	}

	balance, err := t.tokenBalance(ctx, fromAddr)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(value) < 0 {
		return nil, &gateway.ConstructError{
			Currency: t.currency.Symbol,
			Address:  from,
			Amount:   amount,
			Balance:  helpers.BigToDecimal(balance),
			Err:      gateway.ErrInsufficientBalance,
		}
	}

	data, err := erc20.PackTransfer(toAddr, value)
	if err != nil {
		return nil, err
	}
	gas, err := t.native.client.EstimateGas(ctx, ethereum.CallMsg{From: fromAddr, To: &t.contract, Data: data})
	if err != nil || gas > config.TokenTransferGasCap {
		if err != nil {
			t.log.Warn("Gas estimation failed, using cap", "from", from, "error", err)
		}
		gas = config.TokenTransferGasCap
	}
	q, err := t.native.quote(ctx, opts.LowFee)
	if err != nil {
		return nil, &gateway.ConstructError{Currency: t.currency.Symbol, Address: from, Amount: amount, Err: err}
	}
	fee := new(big.Int).Mul(q.price, new(big.Int).SetUint64(gas))

	nativeBal, err := t.native.nativeBalance(ctx, fromAddr)
	if err != nil {
		return nil, err
	}
	if nativeBal.Cmp(fee) < 0 {
		return nil, &gateway.ConstructError{
			Currency: t.currency.Symbol,
			Address:  from,
			Amount:   amount,
			Balance:  helpers.BigToDecimal(nativeBal),
			Fee:      helpers.BigToDecimal(fee),
			Err:      gateway.ErrInsufficientFee,
		}
	}

	nonce, err := t.native.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return nil, fmt.Errorf("%s: nonce of %s: %w", t.currency.Symbol, from, err)
	}
	raw, err := t.native.finish(t.native.newTx(nonce, t.contract, new(big.Int), gas, data, q))
	if err != nil {
		return nil, err
	}
	t.log.Debug("Constructed token transfer", "from", from, "to", to, "amount", amount, "gas", gas, "nonce", nonce)
	return raw, nil
}

// ReconstructRawTx delegates to the native codec.
func (t *TokenGateway) ReconstructRawTx(unsignedRaw string) (*gateway.RawTransaction, error) {
	return t.native.ReconstructRawTx(unsignedRaw)
}

// SignRawTransaction delegates to the native signer.
func (t *TokenGateway) SignRawTransaction(ctx context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	return t.native.SignRawTransaction(ctx, unsignedRaw, secrets...)
}

// SendRawTransaction delegates to the native broadcaster.
func (t *TokenGateway) SendRawTransaction(ctx context.Context, signedRaw string) (string, error) {
	return t.native.SendRawTransaction(ctx, signedRaw)
}

// HasPendingTransactions reports pending transactions of the native account.
func (t *TokenGateway) HasPendingTransactions(ctx context.Context, address string) (bool, error) {
	return t.native.HasPendingTransactions(ctx, address)
}

// GetAverageSeedingFee is the native seeding fee: the amount of native coin
// a deposit address needs to move its tokens.
func (t *TokenGateway) GetAverageSeedingFee(ctx context.Context) (decimal.Decimal, error) {
	return t.native.GetAverageSeedingFee(ctx)
}
