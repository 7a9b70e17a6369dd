package chain

// TokenInfo describes a well-known token on one network.
type TokenInfo struct {
	Type     TokenType
	Symbol   string
	Name     string
	Decimals int32
	Contract string
}

// builtinTokens lists the stablecoins enabled by default per network.
var builtinTokens = map[Network][]TokenInfo{
	Mainnet: {
		{TokenERC20, "USDT", "Tether USD", 6, "0xdAC17F958D2ee523a2206206994597C13D831ec7"},
		{TokenERC20, "USDC", "USD Coin", 6, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		{TokenBEP20, "USDT", "Tether USD", 18, "0x55d398326f99059fF775485246999027B3197955"},
		{TokenBEP20, "USDC", "USD Coin", 18, "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"},
		{TokenPolygonERC20, "USDT", "Tether USD", 6, "0xc2132D05D31c914a87C6611C10748AEb04B58e8F"},
		{TokenTRC20, "USDT", "Tether USD", 6, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"},
		{TokenSPL, "USDC", "USD Coin", 6, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"},
		{TokenSPL, "USDT", "Tether USD", 6, "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"},
	},
	Testnet: {
		{TokenERC20, "USDC", "USD Coin", 6, "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"},
		{TokenSPL, "USDC", "USD Coin", 6, "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"},
	},
}

// BuiltinTokens returns the default tokens for a network.
func BuiltinTokens(network Network) []TokenInfo {
	return append([]TokenInfo(nil), builtinTokens[network]...)
}

// Currency converts the token info into a registry currency.
func (t TokenInfo) Currency() (Currency, error) {
	return NewToken(t.Type, t.Contract, t.Name, t.Symbol, t.Decimals)
}

// RegisterBuiltinTokens registers the default tokens of the registry's network.
func (r *Registry) RegisterBuiltinTokens() error {
	for _, t := range BuiltinTokens(r.Network()) {
		c, err := t.Currency()
		if err != nil {
			return err
		}
		if err := r.RegisterToken(c); err != nil {
			return err
		}
	}
	return nil
}
