package chain

import "time"

func init() {
	register(Mainnet, &Params{
		Platform:    PlatformTRX,
		Name:        "Tron",
		Type:        ChainTypeTron,
		Decimals:    6,
		NativeToken: "TRX",

		CoinType:       195,
		DefaultPurpose: 44,

		RequiredConfirmations: 19,
		AverageBlockTime:      3 * time.Second,
		DefaultAddressType:    AddressTron,
	})

	// Shasta and Nile share mainnet's address format and derivation.
	register(Testnet, &Params{
		Platform:    PlatformTRX,
		Name:        "Tron Nile",
		Type:        ChainTypeTron,
		Decimals:    6,
		NativeToken: "TRX",

		CoinType:       195,
		DefaultPurpose: 44,

		RequiredConfirmations: 1,
		AverageBlockTime:      3 * time.Second,
		DefaultAddressType:    AddressTron,
	})
}
