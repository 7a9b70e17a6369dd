package chain

import "time"

func init() {
	// ==========================================================================
	// Ethereum
	// ==========================================================================

	register(Mainnet, &Params{
		Platform:    PlatformETH,
		Name:        "Ethereum",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 1,
		EIP1559: true,

		RequiredConfirmations: 12,
		AverageBlockTime:      12 * time.Second,
		DefaultAddressType:    AddressEVM,
	})

	register(Testnet, &Params{
		Platform:    PlatformETH,
		Name:        "Ethereum Sepolia",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "ETH",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 11155111,
		EIP1559: true,

		RequiredConfirmations: 3,
		AverageBlockTime:      12 * time.Second,
		DefaultAddressType:    AddressEVM,
	})

	// ==========================================================================
	// BNB Smart Chain (legacy gas pricing)
	// ==========================================================================

	register(Mainnet, &Params{
		Platform:    PlatformBSC,
		Name:        "BNB Smart Chain",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "BNB",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 56,

		RequiredConfirmations: 15,
		AverageBlockTime:      3 * time.Second,
		DefaultAddressType:    AddressEVM,
	})

	register(Testnet, &Params{
		Platform:    PlatformBSC,
		Name:        "BNB Smart Chain Testnet",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "BNB",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 97,

		RequiredConfirmations: 3,
		AverageBlockTime:      3 * time.Second,
		DefaultAddressType:    AddressEVM,
	})

	// ==========================================================================
	// Polygon PoS
	// ==========================================================================

	register(Mainnet, &Params{
		Platform:    PlatformMATIC,
		Name:        "Polygon",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "POL", // Rebranded from MATIC to POL in 2024

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 137,
		EIP1559: true,

		RequiredConfirmations: 64,
		AverageBlockTime:      2 * time.Second,
		DefaultAddressType:    AddressEVM,
	})

	register(Testnet, &Params{
		Platform:    PlatformMATIC,
		Name:        "Polygon Amoy",
		Type:        ChainTypeEVM,
		Decimals:    18,
		NativeToken: "POL",

		CoinType:       60,
		DefaultPurpose: 44,

		ChainID: 80002,
		EIP1559: true,

		RequiredConfirmations: 5,
		AverageBlockTime:      2 * time.Second,
		DefaultAddressType:    AddressEVM,
	})
}
