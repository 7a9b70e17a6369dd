// Package wallet derives deposit addresses and their keys from a BIP39 seed.
// secp256k1 platforms use BIP32 (btcutil hdkeychain); Solana uses SLIP-0010
// ed25519 derivation over the same seed.
package wallet

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/klingcustody/internal/chain"
)

const hardened = hdkeychain.HardenedKeyStart

// Account is a derived deposit address with its secret in storage format.
type Account struct {
	Platform chain.Platform
	Address  string
	Secret   string
	Path     string
}

// Wallet derives keys from one seed. It is safe for concurrent use.
type Wallet struct {
	seed    []byte
	master  *hdkeychain.ExtendedKey
	network chain.Network

	mu    sync.Mutex
	cache map[string]*hdkeychain.ExtendedKey // parent path -> key
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic and optional passphrase.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// The version bytes of the master key do not affect derived keys.
	net := &chaincfg.MainNetParams
	if network == chain.Testnet {
		net = &chaincfg.TestNet3Params
	}
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Wallet{
		seed:    append([]byte(nil), seed...),
		master:  master,
		network: network,
		cache:   make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DeriveKey derives the BIP32 key at path. Parents of the last element are
// cached, so sequential indexes under one account cost a single step.
func (w *Wallet) DeriveKey(path []uint32) (*hdkeychain.ExtendedKey, error) {
	if len(path) == 0 {
		return w.master, nil
	}
	parentPath := path[:len(path)-1]
	cacheKey := FormatPath(parentPath)

	w.mu.Lock()
	parent, ok := w.cache[cacheKey]
	w.mu.Unlock()

	if !ok {
		parent = w.master
		for i, idx := range parentPath {
			next, err := parent.Derive(idx)
			if err != nil {
				return nil, fmt.Errorf("derive %s: %w", FormatPath(parentPath[:i+1]), err)
			}
			parent = next
		}
		w.mu.Lock()
		w.cache[cacheKey] = parent
		w.mu.Unlock()
	}

	key, err := parent.Derive(path[len(path)-1])
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", FormatPath(path), err)
	}
	return key, nil
}

// DeriveAccount derives the deposit account at index for a platform using
// the platform's default path.
func (w *Wallet) DeriveAccount(platform chain.Platform, index uint32) (*Account, error) {
	p, ok := chain.Get(platform, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported platform: %s", platform)
	}
	return w.DeriveAccountAt(p, p.DerivationPathString(0, 0, index))
}

// DeriveAccountAt derives the account at an explicit path.
func (w *Wallet) DeriveAccountAt(p *chain.Params, path string) (*Account, error) {
	indexes, err := chain.ParsePath(path)
	if err != nil {
		return nil, err
	}

	if p.Type == chain.ChainTypeSolana {
		priv, err := deriveEd25519(w.seed, indexes)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", path, err)
		}
		return &Account{
			Platform: p.Platform,
			Address:  SolanaAddress(priv.Public().(ed25519.PublicKey)),
			Secret:   EncodeSolanaSecret(priv),
			Path:     path,
		}, nil
	}

	key, err := w.DeriveKey(indexes)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	address, err := AddressFromPublicKey(p, priv.PubKey())
	if err != nil {
		return nil, err
	}
	return &Account{
		Platform: p.Platform,
		Address:  address,
		Secret:   EncodeSecret(priv),
		Path:     path,
	}, nil
}

// IndexedPath replaces the last element of a base path with index, keeping
// its hardening. "m/44'/60'/0'/0/0" with 7 gives "m/44'/60'/0'/0/7".
func IndexedPath(base string, index uint32) (string, error) {
	indexes, err := chain.ParsePath(base)
	if err != nil {
		return "", err
	}
	if len(indexes) == 0 {
		return "", fmt.Errorf("derivation path %q has no index element", base)
	}
	last := len(indexes) - 1
	if indexes[last] >= hardened {
		indexes[last] = index + hardened
	} else {
		indexes[last] = index
	}
	return FormatPath(indexes), nil
}

// FormatPath renders indexes as "m/..." with ' for hardened elements.
func FormatPath(indexes []uint32) string {
	var b strings.Builder
	b.WriteString("m")
	for _, idx := range indexes {
		if idx >= hardened {
			fmt.Fprintf(&b, "/%d'", idx-hardened)
		} else {
			fmt.Fprintf(&b, "/%d", idx)
		}
	}
	return b.String()
}
