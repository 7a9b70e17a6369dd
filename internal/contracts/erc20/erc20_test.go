package erc20

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestTransferTopic(t *testing.T) {
	want := "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	if TransferTopic.Hex() != want {
		t.Errorf("TransferTopic = %s, want %s", TransferTopic.Hex(), want)
	}
}

func TestPackTransferRoundTrip(t *testing.T) {
	to := common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf")
	data, err := PackTransfer(to, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("PackTransfer() error = %v", err)
	}
	if got := hex.EncodeToString(data[:4]); got != "a9059cbb" {
		t.Errorf("selector = %s, want a9059cbb", got)
	}
	if len(data) != 68 {
		t.Errorf("len = %d, want 68", len(data))
	}

	gotTo, value, err := UnpackTransfer(data)
	if err != nil {
		t.Fatalf("UnpackTransfer() error = %v", err)
	}
	if gotTo != to || value.Int64() != 1_000_000 {
		t.Errorf("UnpackTransfer() = %s, %s", gotTo.Hex(), value)
	}

	if _, _, err := UnpackTransfer([]byte{0x09, 0x5e, 0xa7, 0xb3}); err == nil {
		t.Error("expected error for approve selector")
	}
}

func TestBalanceOf(t *testing.T) {
	data, err := PackBalanceOf(common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("PackBalanceOf() error = %v", err)
	}
	if got := hex.EncodeToString(data[:4]); got != "70a08231" {
		t.Errorf("selector = %s, want 70a08231", got)
	}

	result := common.LeftPadBytes(big.NewInt(42).Bytes(), 32)
	bal, err := UnpackBalance(result)
	if err != nil || bal.Int64() != 42 {
		t.Errorf("UnpackBalance() = %v, %v, want 42", bal, err)
	}
	if _, err := UnpackBalance(nil); err == nil {
		t.Error("expected error for empty result")
	}
}

func TestParseTransfer(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	log := types.Log{
		Topics: []common.Hash{TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:   common.LeftPadBytes(big.NewInt(500).Bytes(), 32),
	}
	tr, err := ParseTransfer(log)
	if err != nil {
		t.Fatalf("ParseTransfer() error = %v", err)
	}
	if tr.From != from || tr.To != to || tr.Value.Int64() != 500 {
		t.Errorf("ParseTransfer() = %+v", tr)
	}

	// ERC721 Transfer indexes the token id: four topics, no data.
	nft := types.Log{Topics: append(log.Topics, common.Hash{}), Data: nil}
	if _, err := ParseTransfer(nft); !errors.Is(err, ErrNotTransfer) {
		t.Errorf("ParseTransfer(erc721) error = %v, want ErrNotTransfer", err)
	}
}
