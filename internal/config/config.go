// Package config holds the compiled-in operating policy of the daemon.
// Deployment values (endpoints, hot wallets, intervals) live in the node
// configuration file; the numbers here only change with a release.
package config

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingcustody/internal/chain"
)

// =============================================================================
// EVM gas policy
// =============================================================================

// GasDefaults is the default gas pricing of an EVM platform. Every field can
// be overridden from the environment (see node.ApplyEnv).
type GasDefaults struct {
	MaxPrice      *big.Int        // anti-drain cap, wei
	Multiplier    decimal.Decimal // applied to the network price
	LowMultiplier decimal.Decimal // used for collections and seeding
	Buffer        *big.Int        // flat wei added to the network price
	PriorityFee   *big.Int        // EIP-1559 tip, ignored on legacy chains
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

var gasDefaults = map[chain.Platform]GasDefaults{
	chain.PlatformETH: {
		MaxPrice:      gwei(120),
		Multiplier:    decimal.NewFromInt(5),
		LowMultiplier: decimal.NewFromInt(2),
		Buffer:        gwei(20),
		PriorityFee:   gwei(2),
	},
	chain.PlatformBSC: {
		MaxPrice:      gwei(120),
		Multiplier:    decimal.NewFromInt(5),
		LowMultiplier: decimal.NewFromInt(2),
		Buffer:        gwei(20),
		PriorityFee:   big.NewInt(0),
	},
	chain.PlatformMATIC: {
		MaxPrice:      gwei(300),
		Multiplier:    decimal.NewFromInt(5),
		LowMultiplier: decimal.NewFromInt(2),
		Buffer:        gwei(30),
		PriorityFee:   gwei(30),
	},
}

// GasPolicy returns a copy of the gas defaults of an EVM platform.
func GasPolicy(p chain.Platform) (GasDefaults, bool) {
	d, ok := gasDefaults[p]
	if !ok {
		return GasDefaults{}, false
	}
	return GasDefaults{
		MaxPrice:      new(big.Int).Set(d.MaxPrice),
		Multiplier:    d.Multiplier,
		LowMultiplier: d.LowMultiplier,
		Buffer:        new(big.Int).Set(d.Buffer),
		PriorityFee:   new(big.Int).Set(d.PriorityFee),
	}, true
}

// Gas limits of EVM transfers.
const (
	NativeTransferGas   = 150_000 // upper bound for a native transfer to any address
	ConsolidateGas      = 21_000  // plain value transfer to an EOA
	TokenTransferGasCap = 150_000
	SeedingGas          = 80_000 // gas budget assumed when seeding a token deposit
)

// =============================================================================
// UTXO fee policy
// =============================================================================

// Transaction size model, in bytes.
const (
	UTXOInputSize    = 181
	UTXOOutputSize   = 34
	UTXOOverheadSize = 10
	DustLimit        = 546 // satoshi
	// UTXOBatchLimit bounds the deposits collected in one UTXO transaction.
	UTXOBatchLimit = 50
)

// FeeRate is a sat/byte policy for a UTXO platform.
type FeeRate struct {
	// Estimate asks the node (estimatesmartfee); otherwise Fallback is used.
	Estimate bool
	Cap      uint64
	Fallback uint64
	// Target is the confirmation target in blocks passed to the estimator.
	Target int
}

var feeRates = map[chain.Platform]FeeRate{
	chain.PlatformBTC: {Estimate: true, Cap: 60, Fallback: 15, Target: 2},
	chain.PlatformLTC: {Estimate: false, Cap: 15, Fallback: 15},
}

// UTXOFeeRate returns the fee-rate policy of a UTXO platform.
func UTXOFeeRate(p chain.Platform) (FeeRate, bool) {
	r, ok := feeRates[p]
	return r, ok
}

// =============================================================================
// Tron
// =============================================================================

const (
	TronSeedingEnergy = 30_000
	TronEnergyPrice   = 140         // sun per energy
	TRC20FeeLimit     = 100_000_000 // 100 TRX
	// TronBandwidthReserve is left behind by a consolidating TRX transfer
	// to pay for bandwidth once the free allowance is used up.
	TronBandwidthReserve = 300_000
	TronExpiration       = 5 * time.Minute
)

// =============================================================================
// XRP
// =============================================================================

const (
	XRPLastLedgerOffset = 100
	XRPDefaultFee       = 12        // drops
	XRPAccountReserve   = 1_000_000 // 1 XRP base reserve kept by consolidations
)

// =============================================================================
// Solana
// =============================================================================

const (
	// SolanaTokenAccountSize is the data size of an SPL token account.
	SolanaTokenAccountSize = 165
	SolanaDefaultFee       = 5_000 // lamports per signature
)

// =============================================================================
// Seeding fees
// =============================================================================

var seedingFees = map[chain.Platform]decimal.Decimal{
	chain.PlatformBTC: decimal.NewFromInt(50_000),
	chain.PlatformLTC: decimal.NewFromInt(100_000),
	chain.PlatformTRX: decimal.NewFromInt(TronSeedingEnergy * TronEnergyPrice),
}

// StaticSeedingFee returns the fixed seeding fee of platforms that do not
// derive it from live network prices.
func StaticSeedingFee(p chain.Platform) (decimal.Decimal, bool) {
	fee, ok := seedingFees[p]
	return fee, ok
}

// =============================================================================
// Crawler
// =============================================================================

// CrawlerDefaults tunes the crawler of a chain family.
type CrawlerDefaults struct {
	BatchSize         uint64
	Concurrency       int
	ProcessingTimeout time.Duration
}

var crawlerDefaults = map[chain.ChainType]CrawlerDefaults{
	chain.ChainTypeBitcoin: {BatchSize: 5, Concurrency: 2, ProcessingTimeout: 300 * time.Second},
	chain.ChainTypeEVM:     {BatchSize: 50, Concurrency: 10, ProcessingTimeout: 30 * time.Second},
	chain.ChainTypeTron:    {BatchSize: 20, Concurrency: 5, ProcessingTimeout: 60 * time.Second},
	chain.ChainTypeRipple:  {BatchSize: 1000, Concurrency: 10, ProcessingTimeout: 60 * time.Second},
	chain.ChainTypeSolana:  {BatchSize: 20, Concurrency: 5, ProcessingTimeout: 60 * time.Second},
}

// Crawler returns the crawler defaults of a chain family.
func Crawler(t chain.ChainType) CrawlerDefaults {
	if d, ok := crawlerDefaults[t]; ok {
		return d
	}
	return CrawlerDefaults{BatchSize: 1, Concurrency: 1, ProcessingTimeout: 60 * time.Second}
}

// =============================================================================
// Collection
// =============================================================================

const (
	// CollectDeferral postpones a group whose live balance is below the threshold.
	CollectDeferral = 3 * time.Minute
	// MinCollectSeedingMultiple sets the default threshold to this many seeding fees.
	MinCollectSeedingMultiple = 3
	// SeedCooldown gives a seeding transfer time to confirm before the
	// deposit is retried.
	SeedCooldown = 10 * time.Minute
	// CollectingStaleAfter releases a collection whose transaction the
	// network has not seen for this long.
	CollectingStaleAfter = 2 * time.Hour
	// WithdrawalDeferral postpones a withdrawal whose transaction could not
	// be built, typically for lack of hot wallet funds.
	WithdrawalDeferral = 5 * time.Minute
	// SubmitFailedSentinel marks deposits whose collection broadcast failed.
	// They are excluded from automatic reselection until an operator acts.
	SubmitFailedSentinel = "SUBMIT_FAILED_CHECK_ME_PLEASE"
)
