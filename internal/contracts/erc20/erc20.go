// Package erc20 holds the fungible-token ABI shared by the ERC20, BEP20 and
// Polygon token gateways and helpers to encode calls and decode transfers.
package erc20

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// MetaData contains the subset of the token ABI the gateways call.
var MetaData = &bind.MetaData{
	ABI: "[{\"type\":\"function\",\"name\":\"balanceOf\",\"inputs\":[{\"name\":\"account\",\"type\":\"address\"}],\"outputs\":[{\"name\":\"\",\"type\":\"uint256\"}],\"stateMutability\":\"view\"},{\"type\":\"function\",\"name\":\"decimals\",\"inputs\":[],\"outputs\":[{\"name\":\"\",\"type\":\"uint8\"}],\"stateMutability\":\"view\"},{\"type\":\"function\",\"name\":\"transfer\",\"inputs\":[{\"name\":\"to\",\"type\":\"address\"},{\"name\":\"value\",\"type\":\"uint256\"}],\"outputs\":[{\"name\":\"\",\"type\":\"bool\"}],\"stateMutability\":\"nonpayable\"},{\"type\":\"event\",\"name\":\"Transfer\",\"inputs\":[{\"name\":\"from\",\"type\":\"address\",\"indexed\":true},{\"name\":\"to\",\"type\":\"address\",\"indexed\":true},{\"name\":\"value\",\"type\":\"uint256\",\"indexed\":false}],\"anonymous\":false}]",
}

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ErrNotTransfer is returned for logs that are not a token Transfer event.
var ErrNotTransfer = errors.New("log is not a Transfer event")

var parsed *abi.ABI

func init() {
	var err error
	parsed, err = MetaData.GetAbi()
	if err != nil {
		panic(fmt.Sprintf("erc20: invalid ABI: %v", err))
	}
}

// PackTransfer encodes transfer(to, value).
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return parsed.Pack("transfer", to, value)
}

// PackBalanceOf encodes balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	return parsed.Pack("balanceOf", account)
}

// UnpackBalance decodes the result of balanceOf.
func UnpackBalance(data []byte) (*big.Int, error) {
	if len(data) == 0 {
		// Calling a non-contract address returns empty data.
		return nil, fmt.Errorf("empty balanceOf result")
	}
	out, err := parsed.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// UnpackTransfer decodes the arguments of a transfer call.
func UnpackTransfer(input []byte) (common.Address, *big.Int, error) {
	method, ok := parsed.Methods["transfer"]
	if !ok || len(input) < 4 || string(input[:4]) != string(method.ID) {
		return common.Address{}, nil, fmt.Errorf("input is not a transfer call")
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	return args[0].(common.Address), args[1].(*big.Int), nil
}

// Transfer is a decoded Transfer event.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ParseTransfer decodes a Transfer log.
func ParseTransfer(log types.Log) (*Transfer, error) {
	if len(log.Topics) != 3 || log.Topics[0] != TransferTopic {
		return nil, ErrNotTransfer
	}
	if len(log.Data) != 32 {
		return nil, fmt.Errorf("%w: data length %d", ErrNotTransfer, len(log.Data))
	}
	return &Transfer{
		From:  common.BytesToAddress(log.Topics[1].Bytes()),
		To:    common.BytesToAddress(log.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(log.Data),
	}, nil
}
