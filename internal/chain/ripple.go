package chain

import "time"

func init() {
	register(Mainnet, &Params{
		Platform:    PlatformXRP,
		Name:        "XRP Ledger",
		Type:        ChainTypeRipple,
		Decimals:    6,
		NativeToken: "XRP",

		CoinType:       144,
		DefaultPurpose: 44,

		// Validated ledgers are final.
		RequiredConfirmations: 1,
		AverageBlockTime:      4 * time.Second,
		DefaultAddressType:    AddressRipple,
	})

	register(Testnet, &Params{
		Platform:    PlatformXRP,
		Name:        "XRP Ledger Testnet",
		Type:        ChainTypeRipple,
		Decimals:    6,
		NativeToken: "XRP",

		CoinType:       144,
		DefaultPurpose: 44,

		RequiredConfirmations: 1,
		AverageBlockTime:      4 * time.Second,
		DefaultAddressType:    AddressRipple,
	})
}
