package chain

import "time"

func init() {
	register(Mainnet, &Params{
		Platform: PlatformLTC,
		Name:     "Litecoin",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       2,
		DefaultPurpose: 84, // ltc1q...

		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xB0,
		HDPrivateKeyID:   [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:    [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub

		RequiredConfirmations: 6,
		AverageBlockTime:      150 * time.Second,
		DefaultAddressType:    AddressP2WPKH,
	})

	register(Testnet, &Params{
		Platform: PlatformLTC,
		Name:     "Litecoin Testnet",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A, // Q...
		Bech32HRP:        "tltc",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub

		RequiredConfirmations: 2,
		AverageBlockTime:      150 * time.Second,
		DefaultAddressType:    AddressP2WPKH,
	})
}
