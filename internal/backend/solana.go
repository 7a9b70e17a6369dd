package backend

import (
	"context"
	"encoding/json"
	"strconv"
)

// Solana JSON-RPC error codes for slots without a block.
const (
	solanaSlotSkipped           = -32007
	solanaLongTermSlotSkipped   = -32009
	solanaBlockNotAvailable     = -32004
	solanaCommitmentFinalized   = "finalized"
	solanaCommitmentConfirmed   = "confirmed"
	solanaMaxTransactionVersion = 0
)

// SolanaClient wraps the Solana JSON-RPC methods used by the gateways.
type SolanaClient struct {
	rpc *Client
}

// NewSolanaClient creates a Solana RPC client.
func NewSolanaClient(url string, opts Options) *SolanaClient {
	return &SolanaClient{rpc: NewClient(url, opts)}
}

// SolanaAccountKey is an account of a jsonParsed message.
type SolanaAccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// SolanaInstruction is a jsonParsed instruction. Parsed is absent or a
// plain string for programs the node cannot decode.
type SolanaInstruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
}

// SolanaParsedInfo is the subset of parsed instruction info used for transfers.
type SolanaParsedInfo struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Authority   string `json:"authority"`
	Mint        string `json:"mint"`
	Lamports    uint64 `json:"lamports"`
	Amount      string `json:"amount"`
	TokenAmount *struct {
		Amount   string `json:"amount"`
		Decimals int32  `json:"decimals"`
	} `json:"tokenAmount"`
}

// Decode returns the instruction type and info; ok is false when the
// instruction was not parsed.
func (i SolanaInstruction) Decode() (string, *SolanaParsedInfo, bool) {
	if len(i.Parsed) == 0 || i.Parsed[0] != '{' {
		return "", nil, false
	}
	var parsed struct {
		Type string           `json:"type"`
		Info SolanaParsedInfo `json:"info"`
	}
	if err := json.Unmarshal(i.Parsed, &parsed); err != nil {
		return "", nil, false
	}
	return parsed.Type, &parsed.Info, true
}

// SolanaTokenBalance is a pre/post token balance entry.
type SolanaTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals int32  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

// SolanaMeta is the execution metadata of a transaction.
type SolanaMeta struct {
	Err               json.RawMessage      `json:"err"`
	Fee               uint64               `json:"fee"`
	PreBalances       []uint64             `json:"preBalances"`
	PostBalances      []uint64             `json:"postBalances"`
	PreTokenBalances  []SolanaTokenBalance `json:"preTokenBalances"`
	PostTokenBalances []SolanaTokenBalance `json:"postTokenBalances"`
	InnerInstructions []struct {
		Index        int                 `json:"index"`
		Instructions []SolanaInstruction `json:"instructions"`
	} `json:"innerInstructions"`
}

// Failed reports whether the transaction failed on chain.
func (m *SolanaMeta) Failed() bool {
	return m != nil && len(m.Err) > 0 && string(m.Err) != "null"
}

// SolanaTransaction is a jsonParsed transaction with its metadata.
type SolanaTransaction struct {
	Slot        uint64      `json:"slot"`
	BlockTime   *int64      `json:"blockTime"`
	Meta        *SolanaMeta `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys  []SolanaAccountKey  `json:"accountKeys"`
			Instructions []SolanaInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// Signature returns the transaction id.
func (t *SolanaTransaction) Signature() string {
	if len(t.Transaction.Signatures) == 0 {
		return ""
	}
	return t.Transaction.Signatures[0]
}

// AllInstructions returns outer instructions followed by inner ones.
func (t *SolanaTransaction) AllInstructions() []SolanaInstruction {
	out := append([]SolanaInstruction(nil), t.Transaction.Message.Instructions...)
	if t.Meta != nil {
		for _, inner := range t.Meta.InnerInstructions {
			out = append(out, inner.Instructions...)
		}
	}
	return out
}

// SolanaBlock is a block fetched with full jsonParsed transactions.
type SolanaBlock struct {
	Slot         uint64              `json:"-"`
	Blockhash    string              `json:"blockhash"`
	ParentSlot   uint64              `json:"parentSlot"`
	BlockTime    *int64              `json:"blockTime"`
	BlockHeight  *uint64             `json:"blockHeight"`
	Transactions []SolanaTransaction `json:"transactions"`
}

// SolanaSignatureStatus is one entry of getSignatureStatuses.
type SolanaSignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// SolanaTokenAccount is a token account owned by an address.
type SolanaTokenAccount struct {
	Pubkey   string
	Mint     string
	Amount   uint64
	Decimals int32
}

// SolanaAccountInfo is the subset of getAccountInfo used by the gateways.
type SolanaAccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Executable bool   `json:"executable"`
}

// GetSlot returns the latest slot at the given commitment.
func (s *SolanaClient) GetSlot(ctx context.Context, commitment string) (uint64, error) {
	if commitment == "" {
		commitment = solanaCommitmentFinalized
	}
	var slot uint64
	err := s.rpc.Call(ctx, "getSlot", []interface{}{map[string]string{"commitment": commitment}}, &slot)
	return slot, err
}

// GetBalance returns the lamport balance of an address.
func (s *SolanaClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	err := s.rpc.Call(ctx, "getBalance", []interface{}{address, map[string]string{"commitment": solanaCommitmentConfirmed}}, &result)
	return result.Value, err
}

// GetBlock returns the block at slot, or nil when the slot was skipped.
func (s *SolanaClient) GetBlock(ctx context.Context, slot uint64) (*SolanaBlock, error) {
	cfg := map[string]interface{}{
		"encoding":                       "jsonParsed",
		"transactionDetails":             "full",
		"rewards":                        false,
		"commitment":                     solanaCommitmentFinalized,
		"maxSupportedTransactionVersion": solanaMaxTransactionVersion,
	}
	var block *SolanaBlock
	err := s.rpc.Call(ctx, "getBlock", []interface{}{slot, cfg}, &block)
	if IsRPCError(err, solanaSlotSkipped) || IsRPCError(err, solanaLongTermSlotSkipped) || IsRPCError(err, solanaBlockNotAvailable) {
		return nil, nil
	}
	if err != nil || block == nil {
		return nil, err
	}
	block.Slot = slot
	for i := range block.Transactions {
		block.Transactions[i].Slot = slot
		block.Transactions[i].BlockTime = block.BlockTime
	}
	return block, nil
}

// GetTransaction returns a jsonParsed transaction, or nil when unknown.
func (s *SolanaClient) GetTransaction(ctx context.Context, signature string) (*SolanaTransaction, error) {
	cfg := map[string]interface{}{
		"encoding":                       "jsonParsed",
		"commitment":                     solanaCommitmentConfirmed,
		"maxSupportedTransactionVersion": solanaMaxTransactionVersion,
	}
	var tx *SolanaTransaction
	if err := s.rpc.Call(ctx, "getTransaction", []interface{}{signature, cfg}, &tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// GetLatestBlockhash returns a recent blockhash and its expiry height.
func (s *SolanaClient) GetLatestBlockhash(ctx context.Context) (string, uint64, error) {
	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	err := s.rpc.Call(ctx, "getLatestBlockhash", []interface{}{map[string]string{"commitment": solanaCommitmentFinalized}}, &result)
	return result.Value.Blockhash, result.Value.LastValidBlockHeight, err
}

// GetFeeForMessage returns the fee in lamports for a base64 message.
func (s *SolanaClient) GetFeeForMessage(ctx context.Context, messageBase64 string) (uint64, error) {
	var result struct {
		Value *uint64 `json:"value"`
	}
	if err := s.rpc.Call(ctx, "getFeeForMessage", []interface{}{messageBase64, map[string]string{"commitment": solanaCommitmentConfirmed}}, &result); err != nil {
		return 0, err
	}
	if result.Value == nil {
		return 0, ErrNotFound
	}
	return *result.Value, nil
}

// SendTransaction submits a base64 encoded signed transaction.
func (s *SolanaClient) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	cfg := map[string]interface{}{
		"encoding":            "base64",
		"preflightCommitment": solanaCommitmentConfirmed,
	}
	var sig string
	err := s.rpc.Call(ctx, "sendTransaction", []interface{}{txBase64, cfg}, &sig)
	return sig, err
}

// GetSignatureStatuses returns one status per signature, nil for unknown ones.
func (s *SolanaClient) GetSignatureStatuses(ctx context.Context, signatures ...string) ([]*SolanaSignatureStatus, error) {
	var result struct {
		Value []*SolanaSignatureStatus `json:"value"`
	}
	cfg := map[string]bool{"searchTransactionHistory": true}
	if err := s.rpc.Call(ctx, "getSignatureStatuses", []interface{}{signatures, cfg}, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetTokenAccountsByOwner returns the owner's token accounts for mint.
func (s *SolanaClient) GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]SolanaTokenAccount, error) {
	var result struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals int32  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []interface{}{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed", "commitment": solanaCommitmentConfirmed},
	}
	if err := s.rpc.Call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}

	accounts := make([]SolanaTokenAccount, 0, len(result.Value))
	for _, v := range result.Value {
		info := v.Account.Data.Parsed.Info
		amount, _ := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
		accounts = append(accounts, SolanaTokenAccount{
			Pubkey:   v.Pubkey,
			Mint:     info.Mint,
			Amount:   amount,
			Decimals: info.TokenAmount.Decimals,
		})
	}
	return accounts, nil
}

// GetAccountInfo returns nil when the account does not exist.
func (s *SolanaClient) GetAccountInfo(ctx context.Context, address string) (*SolanaAccountInfo, error) {
	var result struct {
		Value *SolanaAccountInfo `json:"value"`
	}
	cfg := map[string]string{"encoding": "base64", "commitment": solanaCommitmentConfirmed}
	if err := s.rpc.Call(ctx, "getAccountInfo", []interface{}{address, cfg}, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetMinimumBalanceForRentExemption returns the rent-exempt minimum for size bytes.
func (s *SolanaClient) GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	var lamports uint64
	err := s.rpc.Call(ctx, "getMinimumBalanceForRentExemption", []interface{}{size}, &lamports)
	return lamports, err
}
