// Package solana implements the SOL gateway and the SPL token gateways over
// Solana JSON-RPC. Transactions are legacy messages built locally.
package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/cache"
	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

const (
	blockhashTTL = 30 * time.Second

	statusProcessed = "processed"
	statusConfirmed = "confirmed"
)

// alreadyProcessed are sendTransaction errors for a known signature.
var alreadyProcessed = []string{
	"already been processed",
	"AlreadyProcessed",
}

var errNoNative = errors.New("native SOL gateway unavailable")

// Client is the subset of Solana JSON-RPC the gateways use;
// *backend.SolanaClient satisfies it.
type Client interface {
	GetSlot(ctx context.Context, commitment string) (uint64, error)
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetBlock(ctx context.Context, slot uint64) (*backend.SolanaBlock, error)
	GetTransaction(ctx context.Context, signature string) (*backend.SolanaTransaction, error)
	GetLatestBlockhash(ctx context.Context) (string, uint64, error)
	GetFeeForMessage(ctx context.Context, messageBase64 string) (uint64, error)
	SendTransaction(ctx context.Context, txBase64 string) (string, error)
	GetSignatureStatuses(ctx context.Context, signatures ...string) ([]*backend.SolanaSignatureStatus, error)
	GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]backend.SolanaTokenAccount, error)
	GetAccountInfo(ctx context.Context, address string) (*backend.SolanaAccountInfo, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// Options tunes a Gateway.
type Options struct {
	RequiredConfirmations uint64
}

// Gateway is the SOL gateway.
type Gateway struct {
	currency chain.Currency
	client   Client
	required uint64

	head      *gateway.HeadCache
	blocks    *cache.Fetcher[*backend.SolanaBlock]
	txs       *cache.Fetcher[*backend.SolanaTransaction]
	blockhash *cache.Fetcher[PublicKey]

	log *logging.Logger
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a SOL gateway.
func New(c chain.Currency, p *chain.Params, client Client, opts Options) *Gateway {
	if opts.RequiredConfirmations == 0 {
		opts.RequiredConfirmations = p.RequiredConfirmations
	}
	g := &Gateway{
		currency:  c,
		client:    client,
		required:  opts.RequiredConfirmations,
		blocks:    cache.New[*backend.SolanaBlock](c.Symbol+".block", cache.Options{Size: 16}),
		txs:       cache.New[*backend.SolanaTransaction](c.Symbol+".tx", cache.Options{}),
		blockhash: cache.New[PublicKey](c.Symbol+".blockhash", cache.Options{Size: 1, TTL: blockhashTTL}),
		log:       logging.GetDefault().Component("gateway." + c.Symbol),
	}
	g.head = gateway.NewHeadCache(g.fetchTip, gateway.DefaultHeadTTL)
	return g
}

// Factory builds SOL gateways.
func Factory() gateway.Factory {
	return func(_ context.Context, c chain.Currency, cfg chain.CurrencyConfig, _ *gateway.Registry) (gateway.Gateway, error) {
		p, ok := chain.Get(c.Platform, cfg.Network)
		if !ok {
			return nil, fmt.Errorf("no params for %s on %s", c.Platform, cfg.Network)
		}
		if cfg.RPCEndpoint == "" {
			return nil, fmt.Errorf("%s: rpc endpoint not configured", c.Symbol)
		}
		client := backend.NewSolanaClient(cfg.RPCEndpoint, backend.Options{
			Name:      c.Symbol,
			APIKey:    cfg.APIKey,
			RateLimit: cfg.RateLimit,
		})
		return New(c, p, client, Options{RequiredConfirmations: cfg.RequiredConfirmations}), nil
	}
}

// Currency returns SOL.
func (g *Gateway) Currency() chain.Currency {
	return g.currency
}

func (g *Gateway) fetchTip(ctx context.Context) (uint64, error) {
	slot, err := g.client.GetSlot(ctx, "finalized")
	if err != nil {
		return 0, fmt.Errorf("%s: slot: %w", g.currency.Symbol, err)
	}
	return slot, nil
}

// GetBlockCount returns the safe finalized slot.
func (g *Gateway) GetBlockCount(ctx context.Context) (uint64, error) {
	return g.head.Get(ctx)
}

// block returns the block at slot, nil when the slot was skipped.
func (g *Gateway) block(ctx context.Context, slot uint64) (*backend.SolanaBlock, error) {
	return g.blocks.Get(ctx, fmt.Sprint(slot), func(ctx context.Context) (*backend.SolanaBlock, bool, error) {
		b, err := g.client.GetBlock(ctx, slot)
		if err != nil {
			return nil, false, fmt.Errorf("%s: block %d: %w", g.currency.Symbol, slot, err)
		}
		return b, true, nil
	})
}

// GetOneBlock returns the block at slot with the ids of its successful
// transactions, or nil when the slot was skipped.
func (g *Gateway) GetOneBlock(ctx context.Context, number uint64) (*gateway.Block, error) {
	b, err := g.block(ctx, number)
	if err != nil || b == nil {
		return nil, err
	}
	out := &gateway.Block{Hash: b.Blockhash, Number: number}
	if b.BlockTime != nil {
		out.Timestamp = *b.BlockTime
	}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if !tx.Meta.Failed() {
			out.TxIDs = append(out.TxIDs, tx.Signature())
		}
	}
	return out, nil
}

// isProgram matches a parsed instruction against a program by name or id.
func isProgram(ix backend.SolanaInstruction, name string, id PublicKey) bool {
	return ix.Program == name || ix.ProgramID == id.String()
}

// nativeTransfers returns the lamport transfers of a transaction, including
// those made by inner instructions.
func nativeTransfers(tx *backend.SolanaTransaction) []gateway.Transfer {
	var out []gateway.Transfer
	for _, ix := range tx.AllInstructions() {
		if !isProgram(ix, "system", SystemProgram) {
			continue
		}
		typ, info, ok := ix.Decode()
		if !ok || (typ != "transfer" && typ != "transferWithSeed") || info.Lamports == 0 {
			continue
		}
		out = append(out, gateway.Transfer{
			From:   info.Source,
			To:     info.Destination,
			Amount: decimal.NewFromInt(int64(info.Lamports)),
		})
	}
	return out
}

// convert builds a transaction of currency c from its transfers.
func convert(c chain.Currency, tx *backend.SolanaTransaction, blockHash string, transfers []gateway.Transfer, head uint64) *gateway.Transaction {
	out := &gateway.Transaction{
		Currency:      c,
		TxID:          tx.Signature(),
		BlockHash:     blockHash,
		Height:        tx.Slot,
		Confirmations: gateway.Confirmations(head, tx.Slot),
		IsFailed:      tx.Meta.Failed(),
		Transfers:     transfers,
	}
	if tx.BlockTime != nil {
		out.Timestamp = *tx.BlockTime
	}
	if tx.Meta != nil {
		out.Fee = decimal.NewFromInt(int64(tx.Meta.Fee))
	}
	return out
}

// blockTransactions converts every transaction of a block that extract
// finds transfers in.
func (g *Gateway) blockTransactions(ctx context.Context, c chain.Currency, number uint64, extract func(*backend.SolanaTransaction) []gateway.Transfer) ([]*gateway.Transaction, error) {
	b, err := g.block(ctx, number)
	if err != nil || b == nil {
		return nil, err
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	var out []*gateway.Transaction
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if transfers := extract(tx); len(transfers) > 0 {
			out = append(out, convert(c, tx, b.Blockhash, transfers, head))
		}
	}
	return out, nil
}

// GetBlockTransactions returns the SOL transfers of a slot.
func (g *Gateway) GetBlockTransactions(ctx context.Context, number uint64) ([]*gateway.Transaction, error) {
	return g.blockTransactions(ctx, g.currency, number, nativeTransfers)
}

// transaction returns a parsed transaction, or nil when unknown.
func (g *Gateway) transaction(ctx context.Context, txid string) (*backend.SolanaTransaction, error) {
	return g.txs.Get(ctx, txid, func(ctx context.Context) (*backend.SolanaTransaction, bool, error) {
		tx, err := g.client.GetTransaction(ctx, txid)
		if err != nil {
			return nil, false, fmt.Errorf("%s: transaction %s: %w", g.currency.Symbol, txid, err)
		}
		return tx, tx != nil, nil
	})
}

func (g *Gateway) oneTransaction(ctx context.Context, c chain.Currency, txid string, extract func(*backend.SolanaTransaction) []gateway.Transfer) (*gateway.Transaction, error) {
	tx, err := g.transaction(ctx, txid)
	if err != nil || tx == nil {
		return nil, err
	}
	transfers := extract(tx)
	if len(transfers) == 0 {
		return nil, nil
	}
	head, err := g.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}
	return convert(c, tx, "", transfers, head), nil
}

// GetOneTransaction returns the SOL transfers of a transaction.
func (g *Gateway) GetOneTransaction(ctx context.Context, txid string) (*gateway.Transaction, error) {
	return g.oneTransaction(ctx, g.currency, txid, nativeTransfers)
}

// GetTransactionStatus maps the signature status: an error is FAILED,
// processed and confirmed are CONFIRMING, finalized is COMPLETED.
func (g *Gateway) GetTransactionStatus(ctx context.Context, txid string) (gateway.TxStatus, error) {
	statuses, err := g.client.GetSignatureStatuses(ctx, txid)
	if err != nil {
		return gateway.StatusUnknown, fmt.Errorf("%s: signature status %s: %w", g.currency.Symbol, txid, err)
	}
	if len(statuses) == 0 || statuses[0] == nil {
		return gateway.StatusUnknown, nil
	}
	s := statuses[0]
	switch {
	case len(s.Err) > 0 && string(s.Err) != "null":
		return gateway.StatusFailed, nil
	case s.ConfirmationStatus == statusProcessed, s.ConfirmationStatus == statusConfirmed:
		return gateway.StatusConfirming, nil
	default:
		return gateway.StatusCompleted, nil
	}
}

func (g *Gateway) lamports(ctx context.Context, address string) (uint64, error) {
	if _, err := ParsePublicKey(address); err != nil {
		return 0, err
	}
	bal, err := g.client.GetBalance(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("%s: balance of %s: %w", g.currency.Symbol, address, err)
	}
	return bal, nil
}

// GetAddressBalance returns the balance in lamports.
func (g *Gateway) GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	bal, err := g.lamports(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(int64(bal)), nil
}

// recentBlockhash returns a finalized blockhash, reused for 30 seconds.
func (g *Gateway) recentBlockhash(ctx context.Context) (PublicKey, error) {
	return g.blockhash.Get(ctx, "latest", func(ctx context.Context) (PublicKey, bool, error) {
		hash, _, err := g.client.GetLatestBlockhash(ctx)
		if err != nil {
			return PublicKey{}, false, fmt.Errorf("%s: latest blockhash: %w", g.currency.Symbol, err)
		}
		k, err := ParsePublicKey(hash)
		return k, err == nil, err
	})
}

// messageFee asks the node for the fee of msg, falling back to the per
// signature fee when the blockhash is no longer known.
func (g *Gateway) messageFee(ctx context.Context, msg *Message) (uint64, error) {
	fee, err := g.client.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(msg.Serialize()))
	if errors.Is(err, backend.ErrNotFound) {
		return config.SolanaDefaultFee * uint64(msg.NumSigners), nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: fee for message: %w", g.currency.Symbol, err)
	}
	return fee, nil
}

// encode wraps msg into an unsigned transaction. Its txid is the base58
// digest of the message until signed.
func encode(msg *Message) *gateway.RawTransaction {
	tx := NewTransaction(msg)
	return &gateway.RawTransaction{
		TxID:        tx.ID(),
		UnsignedRaw: base64.StdEncoding.EncodeToString(tx.Serialize()),
	}
}

func decode(raw string) (*Transaction, error) {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	tx, err := ParseTransaction(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	return tx, nil
}

func (g *Gateway) insufficient(from string, amount, balance, fee uint64, err error) error {
	return &gateway.ConstructError{
		Currency: g.currency.Symbol,
		Address:  from,
		Amount:   decimal.NewFromInt(int64(amount)),
		Balance:  decimal.NewFromInt(int64(balance)),
		Fee:      decimal.NewFromInt(int64(fee)),
		Err:      err,
	}
}

// ConstructRawTransaction builds a system transfer paid by the sender. A
// consolidation sends the whole balance less the fee; any other transfer
// must leave nothing or at least the rent-exempt minimum behind.
func (g *Gateway) ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, opts gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	payer, err := ParsePublicKey(from)
	if err != nil {
		return nil, err
	}
	dest, err := ParsePublicKey(to)
	if err != nil {
		return nil, err
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("%s: negative amount %s", g.currency.Symbol, amount)
	}
	blockhash, err := g.recentBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	value, err := helpers.DecimalToUint64(amount)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.currency.Symbol, err)
	}
	msg, err := NewMessage(payer, blockhash, SystemTransfer(payer, dest, value))
	if err != nil {
		return nil, err
	}
	fee, err := g.messageFee(ctx, msg)
	if err != nil {
		return nil, err
	}
	balance, err := g.lamports(ctx, from)
	if err != nil {
		return nil, err
	}

	if opts.Consolidate {
		if balance <= fee {
			return nil, g.insufficient(from, 0, balance, fee, gateway.ErrInsufficientBalance)
		}
		value = balance - fee
	}
	if value == 0 || balance < value+fee {
		return nil, g.insufficient(from, value, balance, fee, gateway.ErrInsufficientBalance)
	}
	if rest := balance - value - fee; rest > 0 {
		rent, err := g.client.GetMinimumBalanceForRentExemption(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("%s: rent exemption: %w", g.currency.Symbol, err)
		}
		if rest < rent {
			g.log.Warn("Transfer would leave account below rent exemption", "address", from, "remaining", rest, "rent", rent)
			return nil, g.insufficient(from, value, balance, fee+rent, gateway.ErrInsufficientBalance)
		}
	}

	if msg, err = NewMessage(payer, blockhash, SystemTransfer(payer, dest, value)); err != nil {
		return nil, err
	}
	raw := encode(msg)
	if err := gateway.VerifyReconstruct(g, raw); err != nil {
		return nil, err
	}
	g.log.Debug("Constructed transfer", "from", from, "to", to, "lamports", value, "fee", fee)
	return raw, nil
}

// ReconstructRawTx parses an unsigned transaction and re-derives its txid.
func (g *Gateway) ReconstructRawTx(unsignedRaw string) (*gateway.RawTransaction, error) {
	tx, err := decode(unsignedRaw)
	if err != nil {
		return nil, err
	}
	if !tx.Unsigned() {
		return nil, fmt.Errorf("%w: transaction is already signed", gateway.ErrMalformedRawTx)
	}
	return encode(tx.Message), nil
}

// SignRawTransaction refreshes the blockhash and signs every signer slot
// with the matching secret, a base58 ed25519 key.
func (g *Gateway) SignRawTransaction(ctx context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	tx, err := decode(unsignedRaw)
	if err != nil {
		return nil, err
	}
	keys := make(map[PublicKey]ed25519.PrivateKey, len(secrets))
	for _, s := range secrets {
		priv, err := wallet.ParseSolanaKey(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrWrongKey, err)
		}
		var pub PublicKey
		copy(pub[:], priv.Public().(ed25519.PublicKey))
		keys[pub] = priv
	}

	hash, _, err := g.client.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: latest blockhash: %w", g.currency.Symbol, err)
	}
	if tx.Message.RecentBlockhash, err = ParsePublicKey(hash); err != nil {
		return nil, err
	}

	message := tx.Message.Serialize()
	for i := range tx.Signatures {
		signer := tx.Message.AccountKeys[i]
		priv, ok := keys[signer]
		if !ok {
			return nil, fmt.Errorf("%w: no key for signer %s", gateway.ErrWrongKey, signer)
		}
		copy(tx.Signatures[i][:], ed25519.Sign(priv, message))
	}
	return &gateway.SignedTransaction{
		TxID:        tx.ID(),
		SignedRaw:   base64.StdEncoding.EncodeToString(tx.Serialize()),
		UnsignedRaw: unsignedRaw,
	}, nil
}

// SendRawTransaction submits a signed transaction; its txid is the fee
// payer's signature.
func (g *Gateway) SendRawTransaction(ctx context.Context, signedRaw string) (string, error) {
	tx, err := decode(signedRaw)
	if err != nil {
		return "", err
	}
	if !tx.Signed() {
		return "", fmt.Errorf("%w: transaction is not signed", gateway.ErrMalformedRawTx)
	}
	return gateway.Broadcast(ctx, gateway.BroadcastRequest{
		Currency:    g.currency.Symbol,
		TxID:        tx.ID(),
		KnownErrors: alreadyProcessed,
		Log:         g.log,
		Send: func(ctx context.Context) (string, error) {
			return g.client.SendTransaction(ctx, signedRaw)
		},
	})
}

// seedingFee is the fee of a single-signature transfer.
func (g *Gateway) seedingFee(ctx context.Context) (uint64, error) {
	blockhash, err := g.recentBlockhash(ctx)
	if err != nil {
		return 0, err
	}
	payer := PublicKey{1}
	msg, err := NewMessage(payer, blockhash, SystemTransfer(payer, PublicKey{2}, 1))
	if err != nil {
		return 0, err
	}
	return g.messageFee(ctx, msg)
}

// GetAverageSeedingFee is the lamports per signature of one transfer.
func (g *Gateway) GetAverageSeedingFee(ctx context.Context) (decimal.Decimal, error) {
	fee, err := g.seedingFee(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(int64(fee)), nil
}
