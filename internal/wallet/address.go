package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/pkg/helpers"
)

// ErrInvalidSecret is returned when a secret cannot be parsed as a key of
// the expected curve.
var ErrInvalidSecret = errors.New("invalid secret")

// tronAddressVersion prefixes the 20-byte account hash of Tron addresses.
const tronAddressVersion = 0x41

const (
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	rippleAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"
)

// ChainCfgParams converts chain params to btcd's chaincfg.Params so that
// btcutil can encode and decode addresses of any bitcoin-family chain.
func ChainCfgParams(p *chain.Params) *chaincfg.Params {
	hdPriv := p.HDPrivateKeyID
	hdPub := p.HDPublicKeyID
	if hdPriv == [4]byte{} {
		hdPriv = chaincfg.MainNetParams.HDPrivateKeyID
	}
	if hdPub == [4]byte{} {
		hdPub = chaincfg.MainNetParams.HDPublicKeyID
	}
	return &chaincfg.Params{
		Name:             p.Name,
		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
		PrivateKeyID:     p.WIF,
		Bech32HRPSegwit:  p.Bech32HRP,
		HDPrivateKeyID:   hdPriv,
		HDPublicKeyID:    hdPub,
		HDCoinType:       p.CoinType,
	}
}

// BitcoinAddress encodes a public key as a P2PKH or P2WPKH address.
func BitcoinAddress(pub *btcec.PublicKey, p *chain.Params, addrType chain.AddressType) (string, error) {
	hash := btcutil.Hash160(pub.SerializeCompressed())
	net := ChainCfgParams(p)
	switch addrType {
	case chain.AddressP2PKH:
		addr, err := btcutil.NewAddressPubKeyHash(hash, net)
		if err != nil {
			return "", fmt.Errorf("p2pkh address: %w", err)
		}
		return addr.EncodeAddress(), nil
	case chain.AddressP2WPKH, "":
		addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, net)
		if err != nil {
			return "", fmt.Errorf("p2wpkh address: %w", err)
		}
		return addr.EncodeAddress(), nil
	default:
		return "", fmt.Errorf("unsupported bitcoin address type %q", addrType)
	}
}

// DecodeBitcoinAddress parses a bitcoin-family address for the given chain.
func DecodeBitcoinAddress(address string, p *chain.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, ChainCfgParams(p))
	if err != nil {
		return nil, fmt.Errorf("decode %s address %q: %w", p.Platform, address, err)
	}
	if !addr.IsForNet(ChainCfgParams(p)) {
		return nil, fmt.Errorf("address %q is not a %s address", address, p.Name)
	}
	return addr, nil
}

// EVMAddress returns the EIP-55 checksummed address of a public key.
func EVMAddress(pub *btcec.PublicKey) string {
	return crypto.PubkeyToAddress(*pub.ToECDSA()).Hex()
}

// TronAddress returns the base58check address of a public key.
func TronAddress(pub *btcec.PublicKey) string {
	return TronAddressFromHash(crypto.PubkeyToAddress(*pub.ToECDSA()).Bytes())
}

// TronAddressFromHash encodes a 20-byte account hash.
func TronAddressFromHash(hash []byte) string {
	return base58.CheckEncode(hash, tronAddressVersion)
}

// DecodeTronAddress accepts a base58 (T...) or hex (41...) Tron address and
// returns its 20-byte account hash.
func DecodeTronAddress(address string) ([]byte, error) {
	if len(address) == 42 && strings.HasPrefix(address, "41") {
		b, err := hex.DecodeString(address)
		if err != nil {
			return nil, fmt.Errorf("decode tron address %q: %w", address, err)
		}
		return b[1:], nil
	}
	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return nil, fmt.Errorf("decode tron address %q: %w", address, err)
	}
	if version != tronAddressVersion || len(payload) != common.AddressLength {
		return nil, fmt.Errorf("decode tron address %q: not a tron account", address)
	}
	return payload, nil
}

// TronHexAddress converts a base58 Tron address to the 41-prefixed hex form
// used by the node API.
func TronHexAddress(address string) (string, error) {
	hash, err := DecodeTronAddress(address)
	if err != nil {
		return "", err
	}
	return "41" + hex.EncodeToString(hash), nil
}

// RippleAccountID returns the 20-byte account id of a public key.
func RippleAccountID(pub *btcec.PublicKey) []byte {
	return btcutil.Hash160(pub.SerializeCompressed())
}

// RippleAddress returns the classic r-address of a public key.
func RippleAddress(pub *btcec.PublicKey) string {
	return EncodeRippleAccountID(RippleAccountID(pub))
}

// EncodeRippleAccountID encodes an account id with the ripple alphabet.
// The checksum is the same double SHA-256 bitcoin uses, so only the
// alphabet differs.
func EncodeRippleAccountID(accountID []byte) string {
	return translate(base58.CheckEncode(accountID, 0), bitcoinAlphabet, rippleAlphabet)
}

// DecodeRippleAddress returns the account id of a classic r-address.
func DecodeRippleAddress(address string) ([]byte, error) {
	if !strings.HasPrefix(address, "r") {
		return nil, fmt.Errorf("decode ripple address %q: missing r prefix", address)
	}
	payload, version, err := base58.CheckDecode(translate(address, rippleAlphabet, bitcoinAlphabet))
	if err != nil {
		return nil, fmt.Errorf("decode ripple address %q: %w", address, err)
	}
	if version != 0 || len(payload) != 20 {
		return nil, fmt.Errorf("decode ripple address %q: not an account id", address)
	}
	return payload, nil
}

func translate(s, from, to string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(from, s[i])
		if idx < 0 {
			// Leave it in place; the checksum decode rejects it.
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(to[idx])
	}
	return b.String()
}

// SolanaAddress returns the base58 public key.
func SolanaAddress(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// ParsePrivateKey parses a secp256k1 secret given as hex (optionally 0x
// prefixed) or WIF.
func ParsePrivateKey(secret string) (*btcec.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	raw := helpers.Strip0x(secret)
	if len(raw) == 64 {
		b, err := hex.DecodeString(raw)
		if err == nil {
			priv, _ := btcec.PrivKeyFromBytes(b)
			return priv, nil
		}
	}
	wif, err := btcutil.DecodeWIF(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: neither hex nor WIF", ErrInvalidSecret)
	}
	return wif.PrivKey, nil
}

// ParseSolanaKey parses a base58 encoded 64-byte ed25519 private key.
func ParseSolanaKey(secret string) (ed25519.PrivateKey, error) {
	b := base58.Decode(strings.TrimSpace(secret))
	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	default:
		return nil, fmt.Errorf("%w: ed25519 key has %d bytes", ErrInvalidSecret, len(b))
	}
}

// EncodeSecret serializes a secp256k1 private key the way it is stored.
func EncodeSecret(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(priv.Serialize())
}

// EncodeSolanaSecret serializes an ed25519 private key the way it is stored.
func EncodeSolanaSecret(priv ed25519.PrivateKey) string {
	return base58.Encode(priv)
}

// AddressFromSecret returns the default address controlled by a secret.
func AddressFromSecret(p *chain.Params, secret string) (string, error) {
	if p.Type == chain.ChainTypeSolana {
		priv, err := ParseSolanaKey(secret)
		if err != nil {
			return "", err
		}
		return SolanaAddress(priv.Public().(ed25519.PublicKey)), nil
	}
	priv, err := ParsePrivateKey(secret)
	if err != nil {
		return "", err
	}
	return AddressFromPublicKey(p, priv.PubKey())
}

// AddressFromPublicKey encodes a secp256k1 public key for a platform.
func AddressFromPublicKey(p *chain.Params, pub *btcec.PublicKey) (string, error) {
	switch p.Type {
	case chain.ChainTypeBitcoin:
		return BitcoinAddress(pub, p, p.DefaultAddressType)
	case chain.ChainTypeEVM:
		return EVMAddress(pub), nil
	case chain.ChainTypeTron:
		return TronAddress(pub), nil
	case chain.ChainTypeRipple:
		return RippleAddress(pub), nil
	default:
		return "", fmt.Errorf("platform %s does not use secp256k1 keys", p.Platform)
	}
}

// ValidateAddress checks that an address is well formed for a platform.
func ValidateAddress(p *chain.Params, address string) bool {
	switch p.Type {
	case chain.ChainTypeBitcoin:
		_, err := DecodeBitcoinAddress(address, p)
		return err == nil
	case chain.ChainTypeEVM:
		return common.IsHexAddress(address)
	case chain.ChainTypeTron:
		_, err := DecodeTronAddress(address)
		return err == nil
	case chain.ChainTypeRipple:
		_, err := DecodeRippleAddress(address)
		return err == nil
	case chain.ChainTypeSolana:
		return len(base58.Decode(address)) == ed25519.PublicKeySize
	default:
		return false
	}
}
