package query

import "github.com/google/uuid"

// VaultSummary is the top-level vault view for API queries. All values
// come from projection tables; AsOfSequence tells the caller how fresh
// they are.
type VaultSummary struct {
	ShareSupply  int64            `json:"share_supply"`
	Reserves     []ReserveBalance `json:"reserves"`
	Positions    int              `json:"positions"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// ReserveBalance is one asset sitting in the vault reserve.
type ReserveBalance struct {
	AccountPath string `json:"account_path"`
	AssetID     uint16 `json:"asset_id"`
	Balance     int64  `json:"balance"`
}

// HolderSharesResponse is a holder's share position for API queries.
type HolderSharesResponse struct {
	HolderID      uuid.UUID `json:"holder_id"`
	Shares        int64     `json:"shares"`
	LockedUntilUs int64     `json:"locked_until_us,omitempty"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// PositionResponse is one active position for API queries.
type PositionResponse struct {
	PositionID   uint32 `json:"position_id"`
	Index        int    `json:"index"`
	Adaptor      string `json:"adaptor"`
	Asset        string `json:"asset"`
	Market       string `json:"market,omitempty"`
	IsDebt       bool   `json:"is_debt"`
	Holding      bool   `json:"holding"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// OperationResponse is one entry of the operation log.
type OperationResponse struct {
	Sequence       int64  `json:"sequence"`
	CommandType    string `json:"command_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Partition      string `json:"partition"`
	SourceSequence int64  `json:"source_sequence"`
	StateHash      []byte `json:"state_hash"`
	Timestamp      string `json:"timestamp"`
}

// JournalHistoryEntry is one custody move for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	CommandRef    string `json:"command_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose global balance sum is non-zero.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
