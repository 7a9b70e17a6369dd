// Package chain defines the static parameters of the supported platforms and
// the runtime currency registry shared by gateways, crawlers and workers.
package chain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork parses a network name. Empty defaults to mainnet.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet", "main":
		return Mainnet, nil
	case "testnet", "test":
		return Testnet, nil
	default:
		return "", fmt.Errorf("unknown network %q", s)
	}
}

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin" // BTC and forks (LTC)
	ChainTypeEVM     ChainType = "evm"     // Ethereum and EVM chains
	ChainTypeTron    ChainType = "tron"
	ChainTypeRipple  ChainType = "ripple"
	ChainTypeSolana  ChainType = "solana"
)

// Platform identifies the chain a currency lives on.
type Platform string

const (
	PlatformBTC   Platform = "btc"
	PlatformLTC   Platform = "ltc"
	PlatformETH   Platform = "eth"
	PlatformBSC   Platform = "bsc"
	PlatformMATIC Platform = "matic"
	PlatformTRX   Platform = "trx"
	PlatformXRP   Platform = "xrp"
	PlatformSOL   Platform = "sol"
)

// Platforms lists every supported platform in a stable order.
func Platforms() []Platform {
	return []Platform{
		PlatformBTC, PlatformLTC, PlatformETH, PlatformBSC,
		PlatformMATIC, PlatformTRX, PlatformXRP, PlatformSOL,
	}
}

// TokenType distinguishes native coins from the token standards layered on a platform.
type TokenType string

const (
	TokenNative       TokenType = "native"
	TokenERC20        TokenType = "erc20"
	TokenBEP20        TokenType = "bep20"
	TokenPolygonERC20 TokenType = "polygon_erc20"
	TokenTRC20        TokenType = "trc20"
	TokenSPL          TokenType = "spl"
	TokenOmni         TokenType = "omni"
)

// tokenPlatforms maps each token standard to the only platform that hosts it.
var tokenPlatforms = map[TokenType]Platform{
	TokenERC20:        PlatformETH,
	TokenBEP20:        PlatformBSC,
	TokenPolygonERC20: PlatformMATIC,
	TokenTRC20:        PlatformTRX,
	TokenSPL:          PlatformSOL,
	TokenOmni:         PlatformBTC,
}

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH  AddressType = "p2pkh"  // Legacy (1...)
	AddressP2WPKH AddressType = "p2wpkh" // Native SegWit (bc1q...)
	AddressEVM    AddressType = "evm"    // 0x...
	AddressTron   AddressType = "tron"   // Base58Check T...
	AddressRipple AddressType = "ripple" // r...
	AddressSolana AddressType = "solana" // Base58 public key
)

// Params contains the compiled-in parameters of a platform on one network.
type Params struct {
	// Identity
	Platform Platform
	Name     string
	Type     ChainType
	Decimals int32

	// BIP44 derivation
	CoinType       uint32
	DefaultPurpose uint32

	// Bitcoin-like network params
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte
	HDPrivateKeyID   [4]byte
	HDPublicKeyID    [4]byte

	// EVM params
	ChainID     uint64
	NativeToken string
	EIP1559     bool

	// Operational defaults, overridable per deployment.
	RequiredConfirmations uint64
	AverageBlockTime      time.Duration

	DefaultAddressType AddressType
}

// DerivationPath returns the BIP44/84 derivation path for this platform.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	if p.Type == ChainTypeSolana {
		// ed25519 derivation only allows hardened children.
		return fmt.Sprintf("m/%d'/%d'/%d'/%d'", p.DefaultPurpose, p.CoinType, account, index)
	}
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.DefaultPurpose, p.CoinType, account, change, index)
}

// ParsePath parses a derivation path string such as "m/84'/0'/0'/0/5".
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("derivation path %q must start with m/", path)
	}
	out := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		part = strings.TrimRight(part, "'h")
		n, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("derivation path %q: %w", path, err)
		}
		idx := uint32(n)
		if hardened {
			idx += 0x80000000
		}
		out = append(out, idx)
	}
	return out, nil
}

// GetNativeToken returns the ticker of the platform's native coin.
func (p *Params) GetNativeToken() string {
	if p.NativeToken != "" {
		return p.NativeToken
	}
	return strings.ToUpper(string(p.Platform))
}

var params = make(map[Platform]map[Network]*Params)

// register adds static params. Only called from init functions.
func register(network Network, p *Params) {
	if params[p.Platform] == nil {
		params[p.Platform] = make(map[Network]*Params)
	}
	params[p.Platform][network] = p
}

// Get returns the static params of a platform on a network.
func Get(platform Platform, network Network) (*Params, bool) {
	nets, ok := params[platform]
	if !ok {
		return nil, false
	}
	p, ok := nets[network]
	return p, ok
}

// IsSupported returns true if the platform has compiled-in params.
func IsSupported(platform Platform) bool {
	_, ok := params[platform]
	return ok
}

// ListByType returns the platforms of a chain family.
func ListByType(chainType ChainType) []Platform {
	var out []Platform
	for _, p := range Platforms() {
		if pp, ok := Get(p, Mainnet); ok && pp.Type == chainType {
			out = append(out, p)
		}
	}
	return out
}

// GetByChainID returns EVM params for a chain ID.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	for _, nets := range params {
		if p, ok := nets[network]; ok && p.Type == ChainTypeEVM && p.ChainID == chainID {
			return p, true
		}
	}
	return nil, false
}
