package solana

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// TokenGateway moves an SPL token between associated token accounts.
// Addresses are owner wallets; reads, signing and broadcasting go through
// the native gateway.
type TokenGateway struct {
	native   *Gateway
	currency chain.Currency
	mint     PublicKey
	log      *logging.Logger
}

var _ gateway.Gateway = (*TokenGateway)(nil)

// NewToken wraps native for the SPL token c.
func NewToken(native *Gateway, c chain.Currency) (*TokenGateway, error) {
	mint, err := ParsePublicKey(c.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("%s: mint: %w", c.Symbol, err)
	}
	return &TokenGateway{
		native:   native,
		currency: c,
		mint:     mint,
		log:      logging.GetDefault().Component("gateway." + c.Symbol),
	}, nil
}

// TokenFactory builds SPL gateways on top of the registry's SOL gateway.
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

// accounts returns the owner's token accounts of the mint.
func (t *TokenGateway) accounts(ctx context.Context, owner string) ([]backend.SolanaTokenAccount, error) {
	if _, err := ParsePublicKey(owner); err != nil {
		return nil, err
	}
	accts, err := t.native.client.GetTokenAccountsByOwner(ctx, owner, t.mint.String())
	if err != nil {
		return nil, fmt.Errorf("%s: token accounts of %s: %w", t.currency.Symbol, owner, err)
	}
	return accts, nil
}

// GetAddressBalance sums the owner's token accounts of the mint.
func (t *TokenGateway) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	accts, err := t.accounts(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range accts {
		total = total.Add(decimal.NewFromInt(int64(a.Amount)))
	}
	return total, nil
}

// GetBlockCount returns the native safe slot.
func (t *TokenGateway) GetBlockCount(ctx context.Context) (uint64, error) {
	return t.native.GetBlockCount(ctx)
}

// GetOneBlock returns the native block.
func (t *TokenGateway) GetOneBlock(ctx context.Context, number uint64) (*gateway.Block, error) {
	return t.native.GetOneBlock(ctx, number)
}

type tokenAccount struct {
	owner, mint string
}

// tokenAccounts maps the token accounts of a transaction to their owner and
// mint using its pre and post token balances.
func tokenAccounts(tx *backend.SolanaTransaction) map[string]tokenAccount {
	out := make(map[string]tokenAccount)
	if tx.Meta == nil {
		return out
	}
	keys := tx.Transaction.Message.AccountKeys
	for _, list := range [][]backend.SolanaTokenBalance{tx.Meta.PreTokenBalances, tx.Meta.PostTokenBalances} {
		for _, b := range list {
			if b.AccountIndex < 0 || b.AccountIndex >= len(keys) {
				continue
			}
			out[keys[b.AccountIndex].Pubkey] = tokenAccount{owner: b.Owner, mint: b.Mint}
		}
	}
	return out
}

// transfers returns the token transfers of the mint, between owner wallets.
func (t *TokenGateway) transfers(tx *backend.SolanaTransaction) []gateway.Transfer {
	accounts := tokenAccounts(tx)
	ownerOf := func(account string) string {
		if a, ok := accounts[account]; ok && a.owner != "" {
			return a.owner
		}
		return account
	}

	var out []gateway.Transfer
	for _, ix := range tx.AllInstructions() {
		if !isProgram(ix, "spl-token", TokenProgram) {
			continue
		}
		typ, info, ok := ix.Decode()
		if !ok {
			continue
		}
		var amount, mint string
		switch typ {
		case "transfer":
			amount, mint = info.Amount, accounts[info.Source].mint
		case "transferChecked":
			if info.TokenAmount == nil {
				continue
			}
			amount, mint = info.TokenAmount.Amount, info.Mint
		default:
			continue
		}
		if mint != t.mint.String() {
			continue
		}
		value, err := helpers.ParseBaseUnits(amount)
		if err != nil || !value.IsPositive() {
			continue
		}
		out = append(out, gateway.Transfer{
			From:   ownerOf(info.Source),
			To:     ownerOf(info.Destination),
			Amount: value,
		})
	}
	return out
}

// GetBlockTransactions returns the token transfers of a slot.
func (t *TokenGateway) GetBlockTransactions(ctx context.Context, number uint64) ([]*gateway.Transaction, error) {
	return t.native.blockTransactions(ctx, t.currency, number, t.transfers)
}

// GetOneTransaction returns the token transfers of a transaction.
func (t *TokenGateway) GetOneTransaction(ctx context.Context, txid string) (*gateway.Transaction, error) {
	return t.native.oneTransaction(ctx, t.currency, txid, t.transfers)
}

// accountRent is the rent-exempt minimum of a token account.
func (t *TokenGateway) accountRent(ctx context.Context) (uint64, error) {
	rent, err := t.native.client.GetMinimumBalanceForRentExemption(ctx, config.SolanaTokenAccountSize)
	if err != nil {
		return 0, fmt.Errorf("%s: token account rent: %w", t.currency.Symbol, err)
	}
	return rent, nil
}

// destination resolves the receiving token account. A token account is used
// as is; a wallet receives into its associated account, which is created when
// missing.
func (t *TokenGateway) destination(ctx context.Context, to PublicKey) (PublicKey, bool, error) {
	info, err := t.native.client.GetAccountInfo(ctx, to.String())
	if err != nil {
		return PublicKey{}, false, fmt.Errorf("%s: account %s: %w", t.currency.Symbol, to, err)
	}
	if info != nil && info.Owner == TokenProgram.String() {
		return to, false, nil
	}
	ata, err := AssociatedTokenAddress(to, t.mint)
	if err != nil {
		return PublicKey{}, false, err
	}
	info, err = t.native.client.GetAccountInfo(ctx, ata.String())
	if err != nil {
		return PublicKey{}, false, fmt.Errorf("%s: account %s: %w", t.currency.Symbol, ata, err)
	}
	return ata, info == nil, nil
}

// ConstructRawTransaction builds a TransferChecked from the sender's
// associated token account, creating the receiver's account when needed.
// The sender pays the fee and any rent in SOL.
func (t *TokenGateway) ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, _ gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	owner, err := ParsePublicKey(from)
	if err != nil {
		return nil, err
	}
	toKey, err := ParsePublicKey(to)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%s: amount must be positive, got %s", t.currency.Symbol, amount)
	}
	source, err := AssociatedTokenAddress(owner, t.mint)
	if err != nil {
		return nil, err
	}

	accts, err := t.accounts(ctx, from)
	if err != nil {
		return nil, err
	}
	var balance uint64
	for _, a := range accts {
		if a.Pubkey == source.String() {
			balance = a.Amount
		}
	}
	value, err := helpers.DecimalToUint64(amount)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.currency.Symbol, err)
	}
	if balance < value {
		return nil, &gateway.ConstructError{
			Currency: t.currency.Symbol,
			Address:  from,
			Amount:   amount,
			Balance:  decimal.NewFromInt(int64(balance)),
			Err:      gateway.ErrInsufficientBalance,
		}
	}

	dest, create, err := t.destination(ctx, toKey)
	if err != nil {
		return nil, err
	}
	blockhash, err := t.native.recentBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	var ixs []Instruction
	if create {
		ixs = append(ixs, CreateAssociatedTokenAccount(owner, dest, toKey, t.mint))
	}
	ixs = append(ixs, TransferChecked(source, t.mint, dest, owner, value, uint8(t.currency.Decimals)))
	msg, err := NewMessage(owner, blockhash, ixs...)
	if err != nil {
		return nil, err
	}

	fee, err := t.native.messageFee(ctx, msg)
	if err != nil {
		return nil, err
	}
	if create {
		rent, err := t.accountRent(ctx)
		if err != nil {
			return nil, err
		}
		fee += rent
	}
	lamports, err := t.native.lamports(ctx, from)
	if err != nil {
		return nil, err
	}
	if lamports < fee {
		return nil, &gateway.ConstructError{
			Currency: t.currency.Symbol,
			Address:  from,
			Amount:   amount,
			Balance:  decimal.NewFromInt(int64(lamports)),
			Fee:      decimal.NewFromInt(int64(fee)),
			Err:      gateway.ErrInsufficientFee,
		}
	}

	raw := encode(msg)
	if err := gateway.VerifyReconstruct(t, raw); err != nil {
		return nil, err
	}
	t.log.Debug("Constructed token transfer", "from", from, "to", to, "amount", value, "fee", fee, "create_account", create)
	return raw, nil
}

// ReconstructRawTx delegates to the native gateway.
func (t *TokenGateway) ReconstructRawTx(unsignedRaw string) (*gateway.RawTransaction, error) {
	return t.native.ReconstructRawTx(unsignedRaw)
}

// SignRawTransaction delegates to the native gateway.
func (t *TokenGateway) SignRawTransaction(ctx context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	return t.native.SignRawTransaction(ctx, unsignedRaw, secrets...)
}

// SendRawTransaction delegates to the native gateway.
func (t *TokenGateway) SendRawTransaction(ctx context.Context, signedRaw string) (string, error) {
	return t.native.SendRawTransaction(ctx, signedRaw)
}

// GetTransactionStatus delegates to the native gateway.
func (t *TokenGateway) GetTransactionStatus(ctx context.Context, txid string) (gateway.TxStatus, error) {
	return t.native.GetTransactionStatus(ctx, txid)
}

// GetAverageSeedingFee covers one transfer plus the rent of a token account.
func (t *TokenGateway) GetAverageSeedingFee(ctx context.Context) (decimal.Decimal, error) {
	fee, err := t.native.seedingFee(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	rent, err := t.accountRent(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(int64(fee + rent)), nil
}
