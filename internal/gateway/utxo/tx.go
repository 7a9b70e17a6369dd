package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/config"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
	"github.com/Klingon-tech/klingcustody/internal/wallet"
)

// envelope is the unsigned payload: the serialized transaction plus what a
// signer needs to know about each input.
type envelope struct {
	Tx     string    `json:"tx"`
	Inputs []prevOut `json:"inputs"`
}

type prevOut struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	Script  string `json:"script"`
}

func decodeTx(rawHex string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	return &tx, nil
}

func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func parseEnvelope(unsignedRaw string) (*envelope, *wire.MsgTx, error) {
	var env envelope
	if err := json.Unmarshal([]byte(unsignedRaw), &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	tx, err := decodeTx(env.Tx)
	if err != nil {
		return nil, nil, err
	}
	if len(tx.TxIn) == 0 || len(tx.TxIn) != len(env.Inputs) {
		return nil, nil, fmt.Errorf("%w: %d inputs, %d prevouts", gateway.ErrMalformedRawTx, len(tx.TxIn), len(env.Inputs))
	}
	return &env, tx, nil
}

func (g *Gateway) scriptFor(address string) (string, error) {
	addr, err := wallet.DecodeBitcoinAddress(address, g.params)
	if err != nil {
		return "", err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", fmt.Errorf("script for %s: %w", address, err)
	}
	return hex.EncodeToString(script), nil
}

// estimateFee sizes a transaction at 181 bytes per input, 34 per output and
// 10 of overhead.
func estimateFee(inputs, outputs int, rate int64) int64 {
	size := int64(inputs)*config.UTXOInputSize + int64(outputs)*config.UTXOOutputSize + config.UTXOOverheadSize
	return size * rate
}

func sumUTXOs(utxos []gateway.UTXO) int64 {
	var total int64
	for _, u := range utxos {
		total += u.Amount.IntPart()
	}
	return total
}

// ConstructRawTransaction picks unspent outputs of from, most confirmed
// first, until they cover amount and the fee. Change above the dust limit
// returns to from and is paid for in the fee; a smaller remainder is left
// to the miner. With Consolidate every output is swept to to and the
// fee is taken from the swept amount.
func (g *Gateway) ConstructRawTransaction(ctx context.Context, from, to string, amount decimal.Decimal, opts gateway.ConstructOptions) (*gateway.RawTransaction, error) {
	utxos, err := g.GetOneAddressUTXOs(ctx, from)
	if err != nil {
		return nil, err
	}
	if opts.Consolidate {
		return g.ConstructConsolidateTransaction(ctx, utxos, to)
	}
	if !amount.IsInteger() || !amount.IsPositive() {
		return nil, fmt.Errorf("%s: amount %s must be a positive integer of satoshi", g.currency.Symbol, amount)
	}

	rate := g.feeRatePerByte(ctx)
	want := amount.IntPart()
	var (
		picked []gateway.UTXO
		total  int64
		fee    int64
		enough bool
	)
	for _, u := range utxos {
		picked = append(picked, u)
		total += u.Amount.IntPart()
		fee = estimateFee(len(picked), 1, rate)
		if total >= want+fee {
			enough = true
			break
		}
	}
	if !enough {
		return nil, &gateway.ConstructError{
			Currency: g.currency.Symbol,
			Address:  from,
			Amount:   amount,
			Balance:  decimal.NewFromInt(total),
			Fee:      decimal.NewFromInt(fee),
			Err:      gateway.ErrInsufficientBalance,
		}
	}
	if withChange := estimateFee(len(picked), 2, rate); total-want-withChange > config.DustLimit {
		fee = withChange
	} else {
		// No change output: the remainder goes to the miner.
		fee = total - want
	}
	return g.build(picked, to, want, fee)
}

// ConstructConsolidateTransaction sweeps utxos into a single output to to.
func (g *Gateway) ConstructConsolidateTransaction(ctx context.Context, utxos []gateway.UTXO, to string) (*gateway.RawTransaction, error) {
	if len(utxos) == 0 {
		return nil, fmt.Errorf("%s: consolidate: %w: no outputs", g.currency.Symbol, gateway.ErrInsufficientBalance)
	}
	rate := g.feeRatePerByte(ctx)
	total := sumUTXOs(utxos)
	fee := estimateFee(len(utxos), 1, rate)
	out := total - fee
	if out <= config.DustLimit {
		return nil, &gateway.ConstructError{
			Currency: g.currency.Symbol,
			Address:  utxos[0].Address,
			Amount:   decimal.NewFromInt(total),
			Balance:  decimal.NewFromInt(total),
			Fee:      decimal.NewFromInt(fee),
			Err:      gateway.ErrInsufficientBalance,
		}
	}
	return g.build(utxos, to, out, fee)
}

func (g *Gateway) build(utxos []gateway.UTXO, to string, amount, fee int64) (*gateway.RawTransaction, error) {
	total := sumUTXOs(utxos)
	if total < amount+fee {
		return nil, &gateway.ConstructError{
			Currency: g.currency.Symbol,
			Address:  utxos[0].Address,
			Amount:   decimal.NewFromInt(amount),
			Balance:  decimal.NewFromInt(total),
			Fee:      decimal.NewFromInt(fee),
			Err:      gateway.ErrInsufficientBalance,
		}
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	env := envelope{Inputs: make([]prevOut, 0, len(utxos))}
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))

		script := u.ScriptPubKey
		if script == "" {
			if script, err = g.scriptFor(u.Address); err != nil {
				return nil, err
			}
		}
		env.Inputs = append(env.Inputs, prevOut{Address: u.Address, Amount: u.Amount.IntPart(), Script: script})
	}

	dest, err := g.payTo(to)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(amount, dest))

	if change := total - amount - fee; change > config.DustLimit {
		changeScript, err := g.payTo(utxos[0].Address)
		if err != nil {
			return nil, fmt.Errorf("invalid change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	if env.Tx, err = encodeTx(tx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	raw := &gateway.RawTransaction{TxID: tx.TxHash().String(), UnsignedRaw: string(payload)}
	if err := gateway.VerifyReconstruct(g, raw); err != nil {
		return nil, err
	}
	g.log.Debug("Constructed transaction", "txid", raw.TxID, "inputs", len(utxos), "amount", amount, "fee", fee)
	return raw, nil
}

func (g *Gateway) payTo(address string) ([]byte, error) {
	addr, err := wallet.DecodeBitcoinAddress(address, g.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// ReconstructRawTx re-parses an unsigned payload and re-encodes it.
func (g *Gateway) ReconstructRawTx(unsignedRaw string) (*gateway.RawTransaction, error) {
	env, tx, err := parseEnvelope(unsignedRaw)
	if err != nil {
		return nil, err
	}
	if env.Tx, err = encodeTx(tx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return &gateway.RawTransaction{TxID: tx.TxHash().String(), UnsignedRaw: string(payload)}, nil
}

// SignRawTransaction signs every input with the secret controlling its
// address. Secrets may be hex or WIF; extra secrets are ignored.
func (g *Gateway) SignRawTransaction(_ context.Context, unsignedRaw string, secrets ...string) (*gateway.SignedTransaction, error) {
	env, tx, err := parseEnvelope(unsignedRaw)
	if err != nil {
		return nil, err
	}
	keys, err := g.keysByAddress(secrets)
	if err != nil {
		return nil, err
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(env.Inputs))
	scripts := make([][]byte, len(env.Inputs))
	for i, in := range env.Inputs {
		script, err := hex.DecodeString(in.Script)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d script: %v", gateway.ErrMalformedRawTx, i, err)
		}
		scripts[i] = script
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(in.Amount, script)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range env.Inputs {
		priv, ok := keys[in.Address]
		if !ok {
			return nil, fmt.Errorf("%w: no secret for input %d (%s)", gateway.ErrWrongKey, i, in.Address)
		}
		switch txscript.GetScriptClass(scripts[i]) {
		case txscript.WitnessV0PubKeyHashTy:
			witness, err := txscript.WitnessSignature(tx, sigHashes, i, in.Amount, scripts[i], txscript.SigHashAll, priv, true)
			if err != nil {
				return nil, fmt.Errorf("failed to sign P2WPKH input %d: %w", i, err)
			}
			tx.TxIn[i].Witness = witness
		case txscript.PubKeyHashTy:
			sig, err := txscript.SignatureScript(tx, i, scripts[i], txscript.SigHashAll, priv, true)
			if err != nil {
				return nil, fmt.Errorf("failed to sign P2PKH input %d: %w", i, err)
			}
			tx.TxIn[i].SignatureScript = sig
		default:
			return nil, fmt.Errorf("%w: input %d has unsupported script class", gateway.ErrUnsupported, i)
		}
	}

	signed, err := encodeTx(tx)
	if err != nil {
		return nil, err
	}
	return &gateway.SignedTransaction{
		TxID:        tx.TxHash().String(),
		SignedRaw:   signed,
		UnsignedRaw: unsignedRaw,
	}, nil
}

// keysByAddress indexes keys by every address form they control.
func (g *Gateway) keysByAddress(secrets []string) (map[string]*btcec.PrivateKey, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no secrets", gateway.ErrWrongKey)
	}
	keys := make(map[string]*btcec.PrivateKey)
	for i, s := range secrets {
		priv, err := wallet.ParsePrivateKey(s)
		if err != nil {
			return nil, fmt.Errorf("secret %d: %w", i, err)
		}
		for _, t := range []chain.AddressType{chain.AddressP2WPKH, chain.AddressP2PKH} {
			addr, err := wallet.BitcoinAddress(priv.PubKey(), g.params, t)
			if err != nil {
				return nil, err
			}
			keys[addr] = priv
		}
	}
	return keys, nil
}
