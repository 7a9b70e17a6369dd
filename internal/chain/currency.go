package chain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrConfigMissing   = errors.New("currency config missing")
	ErrDuplicate       = errors.New("currency already registered")
)

// Currency describes one asset the wallet custodies.
type Currency struct {
	Symbol          string    `json:"symbol"`
	Platform        Platform  `json:"platform"`
	TokenType       TokenType `json:"token_type"`
	Name            string    `json:"name"`
	NetworkSymbol   string    `json:"network_symbol"`
	Decimals        int32     `json:"decimals"`
	IsNative        bool      `json:"is_native"`
	IsUTXOBased     bool      `json:"is_utxo_based"`
	ContractAddress string    `json:"contract_address,omitempty"`
}

// NativeCurrency builds the native coin of a platform from its static params.
func NativeCurrency(p *Params) Currency {
	return Currency{
		Symbol:        string(p.Platform),
		Platform:      p.Platform,
		TokenType:     TokenNative,
		Name:          p.Name,
		NetworkSymbol: p.GetNativeToken(),
		Decimals:      p.Decimals,
		IsNative:      true,
		IsUTXOBased:   p.Type == ChainTypeBitcoin,
	}
}

// TokenSymbol returns the registry key of a token, e.g. "erc20.0xdac17f...".
// EVM contracts are case-insensitive and are keyed in lower case.
func TokenSymbol(tokenType TokenType, contract string) string {
	switch tokenType {
	case TokenERC20, TokenBEP20, TokenPolygonERC20:
		contract = strings.ToLower(contract)
	}
	return string(tokenType) + "." + contract
}

// NewToken builds a token currency hosted on the platform implied by its type.
func NewToken(tokenType TokenType, contract, name, networkSymbol string, decimals int32) (Currency, error) {
	platform, ok := tokenPlatforms[tokenType]
	if !ok {
		return Currency{}, fmt.Errorf("token type %q has no platform", tokenType)
	}
	if contract == "" {
		return Currency{}, fmt.Errorf("token %s: empty contract address", networkSymbol)
	}
	if decimals < 0 || decimals > 36 {
		return Currency{}, fmt.Errorf("token %s: invalid decimals %d", networkSymbol, decimals)
	}
	return Currency{
		Symbol:          TokenSymbol(tokenType, contract),
		Platform:        platform,
		TokenType:       tokenType,
		Name:            name,
		NetworkSymbol:   networkSymbol,
		Decimals:        decimals,
		ContractAddress: contract,
	}, nil
}

func (c Currency) String() string {
	return c.Symbol
}

// CurrencyConfig holds the deployment specific settings of a currency.
type CurrencyConfig struct {
	Network               Network       `json:"network"`
	ChainID               uint64        `json:"chain_id,omitempty"`
	RequiredConfirmations uint64        `json:"required_confirmations"`
	AverageBlockTime      time.Duration `json:"average_block_time"`
	RPCEndpoint           string        `json:"rpc_endpoint,omitempty"`
	RPCUser               string        `json:"-"`
	RPCPass               string        `json:"-"`
	RESTEndpoint          string        `json:"rest_endpoint,omitempty"`
	Indexer               string        `json:"indexer,omitempty"` // esplora or blockbook, UTXO chains only
	WSEndpoint            string        `json:"ws_endpoint,omitempty"`
	APIKey                string        `json:"-"`
	HDPath                string        `json:"hd_path,omitempty"`
	RateLimit             float64       `json:"rate_limit,omitempty"` // requests per second, 0 = unlimited
}

// DefaultCurrencyConfig derives a config from static params. Endpoints are left empty.
func DefaultCurrencyConfig(p *Params, network Network) CurrencyConfig {
	return CurrencyConfig{
		Network:               network,
		ChainID:               p.ChainID,
		RequiredConfirmations: p.RequiredConfirmations,
		AverageBlockTime:      p.AverageBlockTime,
		HDPath:                p.DerivationPathString(0, 0, 0),
	}
}
