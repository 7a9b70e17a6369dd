package wallet

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/Klingon-tech/klingcustody/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func mustParams(t *testing.T, p chain.Platform, n chain.Network) *chain.Params {
	t.Helper()
	params, ok := chain.Get(p, n)
	if !ok {
		t.Fatalf("chain.Get(%s, %s) not found", p, n)
	}
	return params
}

// keyOne is the private key 1, whose public key is the curve generator.
func keyOne() *btcec.PrivateKey {
	b := make([]byte, 32)
	b[31] = 1
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv
}

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	if _, err := NewFromMnemonic("invalid mnemonic", "", chain.Mainnet); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestDeriveAccountKnownVectors(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	tests := []struct {
		platform chain.Platform
		want     string
	}{
		{chain.PlatformBTC, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"},
		{chain.PlatformETH, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"},
		// BSC and Polygon share Ethereum's coin type.
		{chain.PlatformBSC, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"},
	}
	for _, tc := range tests {
		acc, err := w.DeriveAccount(tc.platform, 0)
		if err != nil {
			t.Fatalf("DeriveAccount(%s) error = %v", tc.platform, err)
		}
		if acc.Address != tc.want {
			t.Errorf("DeriveAccount(%s).Address = %s, want %s", tc.platform, acc.Address, tc.want)
		}
		got, err := AddressFromSecret(mustParams(t, tc.platform, chain.Mainnet), acc.Secret)
		if err != nil {
			t.Fatalf("AddressFromSecret(%s) error = %v", tc.platform, err)
		}
		if got != acc.Address {
			t.Errorf("AddressFromSecret(%s) = %s, want %s", tc.platform, got, acc.Address)
		}
	}
}

func TestDeriveAccountPrefixes(t *testing.T) {
	tests := []struct {
		platform chain.Platform
		network  chain.Network
		prefix   string
	}{
		{chain.PlatformLTC, chain.Mainnet, "ltc1q"},
		{chain.PlatformLTC, chain.Testnet, "tltc1q"},
		{chain.PlatformBTC, chain.Testnet, "tb1q"},
		{chain.PlatformTRX, chain.Mainnet, "T"},
		{chain.PlatformXRP, chain.Mainnet, "r"},
	}
	for _, tc := range tests {
		w, err := NewFromMnemonic(testMnemonic, "", tc.network)
		if err != nil {
			t.Fatalf("NewFromMnemonic() error = %v", err)
		}
		acc, err := w.DeriveAccount(tc.platform, 3)
		if err != nil {
			t.Fatalf("DeriveAccount(%s/%s) error = %v", tc.platform, tc.network, err)
		}
		if !strings.HasPrefix(acc.Address, tc.prefix) {
			t.Errorf("%s/%s address = %s, want prefix %s", tc.platform, tc.network, acc.Address, tc.prefix)
		}
		if !ValidateAddress(mustParams(t, tc.platform, tc.network), acc.Address) {
			t.Errorf("ValidateAddress(%s) = false for derived address", acc.Address)
		}
	}
}

func TestDeriveAccountSolana(t *testing.T) {
	w, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	a, err := w.DeriveAccount(chain.PlatformSOL, 0)
	if err != nil {
		t.Fatalf("DeriveAccount(sol) error = %v", err)
	}
	b, _ := w.DeriveAccount(chain.PlatformSOL, 1)
	if a.Address == b.Address {
		t.Error("different indexes derived the same address")
	}
	p := mustParams(t, chain.PlatformSOL, chain.Mainnet)
	got, err := AddressFromSecret(p, a.Secret)
	if err != nil {
		t.Fatalf("AddressFromSecret() error = %v", err)
	}
	if got != a.Address {
		t.Errorf("AddressFromSecret() = %s, want %s", got, a.Address)
	}
	if !strings.HasSuffix(a.Path, "'") {
		t.Errorf("solana path %s should be fully hardened", a.Path)
	}
}

func TestSLIP10Vector(t *testing.T) {
	seed, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")

	master := newEd25519Master(seed)
	if got := hex.EncodeToString(master.key); got != "2b4be7f19ee27bbf30c667b642d5f4aa69fd169872f8fc3059c08ebae2eb19e7" {
		t.Errorf("master key = %s", got)
	}
	if got := hex.EncodeToString(master.chainCode); got != "90046a93de5380a72b5e45010748567d5ea02bbf6522f979e05c0d8d8ca9fffb" {
		t.Errorf("master chain code = %s", got)
	}

	priv, err := deriveEd25519(seed, []uint32{hardened})
	if err != nil {
		t.Fatalf("deriveEd25519() error = %v", err)
	}
	if got := hex.EncodeToString(priv.Seed()); got != "68e0fe46dfb67e368c75379acec591dad19df3cde26e63b93a8e704f1dade7a3" {
		t.Errorf("m/0' key = %s", got)
	}

	if _, err := deriveEd25519(seed, []uint32{0}); err == nil {
		t.Error("expected error for non-hardened ed25519 index")
	}
}

func TestAddressEncodings(t *testing.T) {
	btc := mustParams(t, chain.PlatformBTC, chain.Mainnet)
	pub := keyOne().PubKey()

	segwit, err := BitcoinAddress(pub, btc, chain.AddressP2WPKH)
	if err != nil {
		t.Fatalf("BitcoinAddress(p2wpkh) error = %v", err)
	}
	if segwit != "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4" {
		t.Errorf("p2wpkh = %s", segwit)
	}
	legacy, err := BitcoinAddress(pub, btc, chain.AddressP2PKH)
	if err != nil {
		t.Fatalf("BitcoinAddress(p2pkh) error = %v", err)
	}
	if legacy != "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH" {
		t.Errorf("p2pkh = %s", legacy)
	}
	if got := EVMAddress(pub); got != "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf" {
		t.Errorf("EVMAddress = %s", got)
	}
}

func TestTronAddress(t *testing.T) {
	zero := make([]byte, 20)
	if got := TronAddressFromHash(zero); got != "T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb" {
		t.Errorf("TronAddressFromHash(zero) = %s", got)
	}

	addr := TronAddress(keyOne().PubKey())
	hash, err := DecodeTronAddress(addr)
	if err != nil {
		t.Fatalf("DecodeTronAddress(%s) error = %v", addr, err)
	}
	if got := hex.EncodeToString(hash); got != "7e5f4552091a69125d5dfcb7b8c2659029395bdf" {
		t.Errorf("tron account hash = %s", got)
	}
	hexAddr, err := TronHexAddress(addr)
	if err != nil {
		t.Fatalf("TronHexAddress() error = %v", err)
	}
	if hexAddr != "417e5f4552091a69125d5dfcb7b8c2659029395bdf" {
		t.Errorf("TronHexAddress = %s", hexAddr)
	}
	back, err := DecodeTronAddress(hexAddr)
	if err != nil || hex.EncodeToString(back) != hex.EncodeToString(hash) {
		t.Errorf("DecodeTronAddress(hex) = %x, %v", back, err)
	}
	if _, err := DecodeTronAddress("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH"); err == nil {
		t.Error("expected error for bitcoin address")
	}
}

func TestRippleAddress(t *testing.T) {
	zero := make([]byte, 20)
	if got := EncodeRippleAccountID(zero); got != "rrrrrrrrrrrrrrrrrrrrrhoLvTp" {
		t.Errorf("EncodeRippleAccountID(zero) = %s", got)
	}

	addr := RippleAddress(keyOne().PubKey())
	id, err := DecodeRippleAddress(addr)
	if err != nil {
		t.Fatalf("DecodeRippleAddress(%s) error = %v", addr, err)
	}
	if hex.EncodeToString(id) != hex.EncodeToString(RippleAccountID(keyOne().PubKey())) {
		t.Errorf("DecodeRippleAddress round trip = %x", id)
	}

	// Flip one character to break the checksum.
	broken := addr[:len(addr)-1] + "x"
	if addr[len(addr)-1] == 'x' {
		broken = addr[:len(addr)-1] + "y"
	}
	if _, err := DecodeRippleAddress(broken); err == nil {
		t.Error("expected checksum error")
	}
}

func TestParsePrivateKey(t *testing.T) {
	hexKey := "0000000000000000000000000000000000000000000000000000000000000001"
	tests := []struct {
		name   string
		secret string
		ok     bool
	}{
		{"hex", hexKey, true},
		{"0x hex", "0x" + hexKey, true},
		{"wif", "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn", true},
		{"garbage", "not-a-key", false},
	}
	for _, tc := range tests {
		priv, err := ParsePrivateKey(tc.secret)
		if tc.ok != (err == nil) {
			t.Errorf("%s: ParsePrivateKey() error = %v, want ok=%v", tc.name, err, tc.ok)
			continue
		}
		if tc.ok && EncodeSecret(priv) != hexKey {
			t.Errorf("%s: key = %s, want %s", tc.name, EncodeSecret(priv), hexKey)
		}
	}
}

func TestIndexedPath(t *testing.T) {
	tests := []struct {
		base  string
		index uint32
		want  string
	}{
		{"m/84'/0'/0'/0/0", 7, "m/84'/0'/0'/0/7"},
		{"m/44'/501'/0'/0'", 4, "m/44'/501'/0'/4'"},
		{"m/44h/60h/0h/0/9", 1, "m/44'/60'/0'/0/1"},
	}
	for _, tc := range tests {
		got, err := IndexedPath(tc.base, tc.index)
		if err != nil {
			t.Fatalf("IndexedPath(%s) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("IndexedPath(%s, %d) = %s, want %s", tc.base, tc.index, got, tc.want)
		}
	}
	if _, err := IndexedPath("44'/0'", 1); err == nil {
		t.Error("expected error for path without m/")
	}
}
