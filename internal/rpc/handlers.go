package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/node"
	"github.com/Klingon-tech/klingcustody/internal/storage"
)

// Version of the daemon.
const Version = "0.1.0-dev"

// paramsError marks a handler error caused by bad params.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return e.err.Error() }

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{err: fmt.Errorf(format, args...)}
}

// ========================================
// Node handlers
// ========================================

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	node.Status
	Version   string `json:"version"`
	Healthy   bool   `json:"healthy"`
	WSClients int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &NodeStatusResult{
		Status:    s.backend.Status(),
		Version:   Version,
		Healthy:   s.backend.Healthy(),
		WSClients: s.wsHub.ClientCount(),
	}, nil
}

func (s *Server) nodeHealth(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]bool{"healthy": s.backend.Healthy()}, nil
}

// ========================================
// Currency handlers
// ========================================

// CurrencyInfo describes a registered currency and its effective config.
type CurrencyInfo struct {
	Symbol                string          `json:"symbol"`
	Platform              chain.Platform  `json:"platform"`
	TokenType             chain.TokenType `json:"token_type"`
	Name                  string          `json:"name"`
	Decimals              int32           `json:"decimals"`
	IsNative              bool            `json:"is_native"`
	IsUTXOBased           bool            `json:"is_utxo_based"`
	ContractAddress       string          `json:"contract_address,omitempty"`
	Network               chain.Network   `json:"network"`
	RequiredConfirmations uint64          `json:"required_confirmations"`
}

func (s *Server) currencyInfo(c chain.Currency) CurrencyInfo {
	info := CurrencyInfo{
		Symbol:          c.Symbol,
		Platform:        c.Platform,
		TokenType:       c.TokenType,
		Name:            c.Name,
		Decimals:        c.Decimals,
		IsNative:        c.IsNative,
		IsUTXOBased:     c.IsUTXOBased,
		ContractAddress: c.ContractAddress,
		Network:         s.backend.Currencies().Network(),
	}
	if cfg, err := s.backend.Currencies().Config(c.Symbol); err == nil {
		info.RequiredConfirmations = cfg.RequiredConfirmations
	}
	return info
}

// CurrenciesListParams filters currencies_list by platform.
type CurrenciesListParams struct {
	Platform string `json:"platform,omitempty"`
}

func (s *Server) currenciesList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CurrenciesListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("invalid params: %v", err)
		}
	}

	var currencies []chain.Currency
	if p.Platform != "" {
		platform := chain.Platform(p.Platform)
		if !chain.IsSupported(platform) {
			return nil, invalidParams("unsupported platform %q", p.Platform)
		}
		currencies = s.backend.Currencies().CurrenciesOfPlatform(platform)
	} else {
		currencies = s.backend.Currencies().All()
	}

	out := make([]CurrencyInfo, 0, len(currencies))
	for _, c := range currencies {
		out = append(out, s.currencyInfo(c))
	}
	return out, nil
}

// CurrenciesGetParams selects one currency.
type CurrenciesGetParams struct {
	Symbol string `json:"symbol"`
}

func (s *Server) currenciesGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CurrenciesGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if p.Symbol == "" {
		return nil, invalidParams("symbol is required")
	}
	c, err := s.backend.Currencies().Currency(p.Symbol)
	if err != nil {
		if errors.Is(err, chain.ErrUnknownCurrency) {
			return nil, invalidParams("%v", err)
		}
		return nil, err
	}
	return s.currencyInfo(c), nil
}

// ========================================
// Withdrawal handlers
// ========================================

func (s *Server) withdrawalsCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p node.WithdrawalRequest
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	if p.Currency == "" || p.ToAddress == "" || p.Amount == "" {
		return nil, invalidParams("currency, to_address and amount are required")
	}
	w, err := s.backend.RequestWithdrawal(ctx, p)
	if errors.Is(err, node.ErrInvalidWithdrawal) {
		return nil, invalidParams("%v", err)
	}
	return w, err
}

// WithdrawalsGetParams selects one withdrawal.
type WithdrawalsGetParams struct {
	ID int64 `json:"id"`
}

func (s *Server) withdrawalsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WithdrawalsGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid params: %v", err)
	}
	w, err := s.backend.Withdrawal(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalidParams("%v", err)
	}
	return w, err
}
