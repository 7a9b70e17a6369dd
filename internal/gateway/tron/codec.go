package tron

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Klingon-tech/klingcustody/internal/backend"
	"github.com/Klingon-tech/klingcustody/internal/gateway"
)

// Field numbers of Transaction.raw in the Tron protocol.
const (
	rawFieldExpiration protowire.Number = 8
)

// txID is the hex sha256 of the serialized raw data.
func txID(rawDataHex string) (string, error) {
	b, err := hex.DecodeString(rawDataHex)
	if err != nil || len(b) == 0 {
		return "", fmt.Errorf("%w: raw_data_hex", gateway.ErrMalformedRawTx)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func encodeTx(tx *backend.TronTransaction) (string, error) {
	b, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return string(b), nil
}

// decodeTx parses a transaction and checks that its txID matches the raw data.
func decodeTx(raw string) (*backend.TronTransaction, error) {
	var tx backend.TronTransaction
	if err := json.Unmarshal([]byte(raw), &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	if len(tx.RawData) == 0 {
		return nil, fmt.Errorf("%w: missing raw_data", gateway.ErrMalformedRawTx)
	}
	id, err := txID(tx.RawDataHex)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(id, tx.TxID) {
		return nil, fmt.Errorf("%w: txID %s does not match raw data (%s)", gateway.ErrMalformedRawTx, tx.TxID, id)
	}
	tx.TxID = id
	return &tx, nil
}

// setExpiration rewrites the expiration (unix ms) of an unsigned transaction
// in both its protobuf and JSON forms and refreshes the txID.
func setExpiration(tx *backend.TronTransaction, expiration int64) error {
	b, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return fmt.Errorf("%w: raw_data_hex", gateway.ErrMalformedRawTx)
	}
	var (
		out      []byte
		replaced bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, protowire.ParseError(m))
		}
		if num == rawFieldExpiration && typ == protowire.VarintType {
			out = protowire.AppendTag(out, num, typ)
			out = protowire.AppendVarint(out, uint64(expiration))
			replaced = true
		} else {
			out = append(out, b[:n+m]...)
		}
		b = b[n+m:]
	}
	if !replaced {
		return fmt.Errorf("%w: raw data has no expiration", gateway.ErrMalformedRawTx)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(tx.RawData, &fields); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrMalformedRawTx, err)
	}
	fields["expiration"] = json.RawMessage(fmt.Sprint(expiration))
	rawData, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	tx.RawData = rawData
	tx.RawDataHex = hex.EncodeToString(out)
	id, err := txID(tx.RawDataHex)
	if err != nil {
		return err
	}
	tx.TxID = id
	return nil
}
