package chain

import "time"

func init() {
	register(Mainnet, &Params{
		Platform:    PlatformSOL,
		Name:        "Solana",
		Type:        ChainTypeSolana,
		Decimals:    9,
		NativeToken: "SOL",

		CoinType:       501,
		DefaultPurpose: 44,

		RequiredConfirmations: 1,
		AverageBlockTime:      400 * time.Millisecond,
		DefaultAddressType:    AddressSolana,
	})

	register(Testnet, &Params{
		Platform:    PlatformSOL,
		Name:        "Solana Devnet",
		Type:        ChainTypeSolana,
		Decimals:    9,
		NativeToken: "SOL",

		CoinType:       501,
		DefaultPurpose: 44,

		RequiredConfirmations: 1,
		AverageBlockTime:      400 * time.Millisecond,
		DefaultAddressType:    AddressSolana,
	})
}
