package chain

import "time"

func init() {
	register(Mainnet, &Params{
		Platform: PlatformBTC,
		Name:     "Bitcoin",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       0,
		DefaultPurpose: 84, // Native SegWit (bc1q...)

		PubKeyHashAddrID: 0x00, // 1...
		ScriptHashAddrID: 0x05, // 3...
		Bech32HRP:        "bc",
		WIF:              0x80,
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub

		RequiredConfirmations: 2,
		AverageBlockTime:      10 * time.Minute,
		DefaultAddressType:    AddressP2WPKH,
	})

	register(Testnet, &Params{
		Platform: PlatformBTC,
		Name:     "Bitcoin Testnet",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		// Testnet uses coin type 1 for all coins
		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0xC4, // 2...
		Bech32HRP:        "tb",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

		RequiredConfirmations: 1,
		AverageBlockTime:      10 * time.Minute,
		DefaultAddressType:    AddressP2WPKH,
	})
}
