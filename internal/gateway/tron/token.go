package tron

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/contracts/erc20"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// TRC20 shares the ERC20 ABI; the node takes the selector as a signature.
const (
	fnTransfer  = "transfer(address,uint256)"
	fnBalanceOf = "balanceOf(address)"
)

// TokenGateway moves a TRC20 token. Signing, broadcast and status go through
// the TRX gateway; fees are burned in TRX.
type TokenGateway struct {
	native   *Gateway
	currency chain.Currency
	contract []byte // 20-byte account hash
	log      *logging.Logger
}

var _ gateway.Gateway = (*TokenGateway)(nil)

// NewToken wraps native for the token c.
func NewToken(native *Gateway, c chain.Currency) (*TokenGateway, error) {
	contract, err := wallet.DecodeTronAddress(c.ContractAddress)
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

// TokenFactory builds TRC20 gateways on the registry's TRX gateway.
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

func (t *TokenGateway) contractAddress() string {
	return wallet.TronAddressFromHash(t.contract)
}

func (t *TokenGateway) tokenBalance(ctx context.Context, owner string) (*big.Int, error) {
	hash, err := wallet.DecodeTronAddress(owner)
	if err != nil {
		return nil, err
	}
	data, err := erc20.PackBalanceOf(common.BytesToAddress(hash))
	if err != nil {
		return nil, err
	}
	out, _, err := t.native.client.TriggerConstantContract(ctx, backend.TronContractCall{
		Owner:     owner,
		Contract:  t.contractAddress(),
		Function:  fnBalanceOf,
		Parameter: data[4:],
	})
	if err != nil {
		return nil, fmt.Errorf("%s: balanceOf %s: %w", t.currency.Symbol, owner, err)
	}
	bal, err := erc20.UnpackBalance(out)
	if err != nil {
		return nil, fmt.Errorf("%s: balanceOf %s: %w", t.currency.Symbol, owner, err)
	}
	return bal, nil
}

// GetAddressBalance returns the token balance in base units.
func (t *TokenGateway) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	bal, err := t.tokenBalance(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return helpers.BigToDecimal(bal), nil
}

// GetBlockCount returns the TRX safe head.
func (t *TokenGateway) GetBlockCount(ctx context.Context) (uint64, error) {
	return t.native.GetBlockCount(ctx)
}

// GetOneBlock returns the TRX block.
func (t *TokenGateway) GetOneBlock(ctx context.Context, number uint64) (*gateway.Block, error) {
	return t.native.GetOneBlock(ctx, number)
}

// logAddress decodes a log address, with or without the 0x41 prefix.
func logAddress(s string) []byte {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return nil
	}
	if len(b) == common.AddressLength+1 && b[0] == 0x41 {
		b = b[1:]
	}
	return b
}

// transfers decodes the Transfer events the token contract emitted.
func (t *TokenGateway) transfers(logs []backend.TronLog) []gateway.Transfer {
	var out []gateway.Transfer
	for _, l := range logs {
		if !strings.EqualFold(hex.EncodeToString(logAddress(l.Address)), hex.EncodeToString(t.contract)) {
			continue
		}
		topics := make([]common.Hash, len(l.Topics))
		for i, topic := range l.Topics {
			topics[i] = common.HexToHash(topic)
		}
		data, err := helpers.HexToBytes(l.Data)
		if err != nil {
			continue
		}
		tr, err := erc20.ParseTransfer(types.Log{Topics: topics, Data: data})
		if err != nil {
			continue
		}
		out = append(out, gateway.Transfer{
			From:   wallet.TronAddressFromHash(tr.From.Bytes()),
			To:     wallet.TronAddressFromHash(tr.To.Bytes()),
			Amount: helpers.BigToDecimal(tr.Value),
		})
	}
	return out
}

func (t *TokenGateway) convert(info *backend.TronTxInfo, head uint64) *gateway.Transaction {
	transfers := t.transfers(info.Log)
	if len(transfers) == 0 {
		return nil
	}
	height := uint64(info.BlockNumber)
	return &gateway.Transaction{
		Currency:      t.currency,
		TxID:          info.ID,
		Height:        height,
		Timestamp:     info.BlockTimeStamp / 1000,
		Confirmations: gateway.Confirmations(head, height),
		IsFailed:      failed(info),
		Fee:           decimal.NewFromInt(info.Fee),
		Transfers:     transfers,
	}
}

// GetOneTransaction returns the token transfers of a mined transaction, or
// nil when it is unknown or emitted none.
func (t *TokenGateway) GetOneTransaction(ctx context.Context, txid string) (*gateway.Transaction, error) {
	info, err := t.native.info(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("%s: tx info %s: %w", t.currency.Symbol, txid, err)
	}
	if info == nil || info.BlockNumber <= 0 {
		return nil, nil
	}
	head, err := t.native.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	tx := t.convert(info, head)
	if tx == nil {
		return nil, nil
	}
	if b, err := t.native.block(ctx, tx.Height); err == nil {
		tx.BlockHash = b.BlockID
	}
	return tx, nil
}

// GetBlockTransactions finds token transfers in the execution info of a block.
func (t *TokenGateway) GetBlockTransactions(ctx context.Context, number uint64) ([]*gateway.Transaction, error) {
	infos, err := t.native.client.GetTransactionInfoByBlockNum(ctx, int64(number))
	if err != nil {
		return nil, fmt.Errorf("%s: tx info of block %d: %w", t.currency.Symbol, number, err)
	}
	head, err := t.native.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	var blockHash string
	var txs []*gateway.Transaction
	for i := range infos {
		tx := t.convert(&infos[i], head)
		if tx == nil {
			continue
		}
		if blockHash == "" {
			if b, err := t.native.block(ctx, number); err == nil {
				blockHash = b.BlockID
			}
		}
		tx.BlockHash = blockHash
		txs = append(txs, tx)
	}
	return txs, nil
}

// GetTransactionStatus delegates to the TRX execution info.
func (t *TokenGateway) GetTransactionStatus(ctx context.Context, txid string) (gateway.TxStatus, error) {
	return t.native.GetTransactionStatus(ctx, txid)
}

// ConstructRawTransaction builds a transfer(to, amount) trigger with the
// TRC20 fee limit and an expiration extended for signing. The TRX balance
// must cover the seeding fee.
func (t *TokenGateway) ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, _ gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	toHash, err := wallet.DecodeTronAddress(to)
	if err != nil {
		return nil, err
	}
	value, err := helpers.DecimalToBig(amount)
	if err != nil || value.Sign() <= 0 {
		return nil, fmt.Errorf("%s: amount %s must be a positive whole number", t.currency.Symbol, amount)
	}

	balance, err := t.tokenBalance(ctx, from)
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
	fee, err := t.native.GetAverageSeedingFee(ctx)
	if err != nil {
		return nil, err
	}
	trx, err := t.native.balance(ctx, from)
	if err != nil {
		return nil, err
	}
	if decimal.NewFromInt(trx).LessThan(fee) {
		return nil, &gateway.ConstructError{
			Currency: t.currency.Symbol,
			Address:  from,
			Amount:   amount,
			Balance:  decimal.NewFromInt(trx),
			Fee:      fee,
			Err:      gateway.ErrInsufficientFee,
		}
	}

	data, err := erc20.PackTransfer(common.BytesToAddress(toHash), value)
	if err != nil {
		return nil, err
	}
	tx, err := t.native.client.TriggerSmartContract(ctx, backend.TronContractCall{
		Owner:     from,
		Contract:  t.contractAddress(),
		Function:  fnTransfer,
		Parameter: data[4:],
		FeeLimit:  config.TRC20FeeLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: trigger transfer: %w", t.currency.Symbol, err)
	}
	raw, err := tx.Raw()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	if err := setExpiration(tx, raw.Expiration+config.TronExpiration.Milliseconds()); err != nil {
		return nil, err
	}
	out, err := t.native.finish(tx)
	if err != nil {
		return nil, err
	}
	t.log.Debug("Constructed token transfer", "from", from, "to", to, "amount", amount, "txid", out.TxID)
	return out, nil
}

// ReconstructRawTx delegates to the TRX codec.
func (t *TokenGateway) ReconstructRawTx(unsignedRaw string) (*gateway.RawTransaction, error) {
	return t.native.ReconstructRawTx(unsignedRaw)
}

// SignRawTransaction delegates to the TRX signer.
func (t *TokenGateway) SignRawTransaction(ctx context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	return t.native.SignRawTransaction(ctx, unsignedRaw, secrets...)
}

// SendRawTransaction delegates to the TRX broadcaster.
func (t *TokenGateway) SendRawTransaction(ctx context.Context, signedRaw string) (string, error) {
	return t.native.SendRawTransaction(ctx, signedRaw)
}

// GetAverageSeedingFee is the TRX needed to move the token out of a deposit.
func (t *TokenGateway) GetAverageSeedingFee(ctx context.Context) (decimal.Decimal, error) {
	return t.native.GetAverageSeedingFee(ctx)
}
