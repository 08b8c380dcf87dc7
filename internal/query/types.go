package query

import "time"

// EventResponse represents a wagering event for API queries.
type EventResponse struct {
	Code            string    `json:"code"`
	SideA           string    `json:"side_a"`
	SideB           string    `json:"side_b"`
	OwnerCutPercent int64     `json:"owner_cut_percent"`
	DepositStart    time.Time `json:"deposit_start"`
	DepositEnd      time.Time `json:"deposit_end"`

	// Status as last recorded by the engine. EffectiveStatus additionally
	// folds in the implicit close at deposit_end, evaluated at query time.
	Status          string `json:"status"`
	EffectiveStatus string `json:"effective_status"`

	WinningSide       int   `json:"winning_side"` // -1 until selected
	OwnerCutWithdrawn bool  `json:"owner_cut_withdrawn"`
	SideATotal        int64 `json:"side_a_total"`
	SideBTotal        int64 `json:"side_b_total"`
	TotalPool         int64 `json:"total_pool"`
	ParticipantCount  int   `json:"participant_count"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// EntryResponse represents one holder's stake in an event.
type EntryResponse struct {
	EventCode    string `json:"event_code"`
	Holder       string `json:"holder"`
	Side         int    `json:"side"`
	Amount       int64  `json:"amount"`
	Claimed      bool   `json:"claimed"`
	PaidAmount   int64  `json:"paid_amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PayoutPreview is one winner's projected reward.
type PayoutPreview struct {
	Holder  string `json:"holder"`
	Deposit int64  `json:"deposit"`
	Reward  int64  `json:"reward"`
}

// SettlementPreviewResponse is the projected outcome split for an event.
// Computed at query time from projection data; no state is modified.
type SettlementPreviewResponse struct {
	EventCode        string          `json:"event_code"`
	WinningSide      int             `json:"winning_side"`
	TotalPool        int64           `json:"total_pool"`
	WinningSideTotal int64           `json:"winning_side_total"`
	OwnerCut         int64           `json:"owner_cut"`
	RewardPool       int64           `json:"reward_pool"`
	NoWinners        bool            `json:"no_winners"`
	Payouts          []PayoutPreview `json:"payouts"`
	Residual         int64           `json:"residual"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	CommandRef    string `json:"command_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	EventCode     string `json:"event_code"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	OverdrawnPools  []OverdrawnPool `json:"overdrawn_pools,omitempty"`
}

// OverdrawnPool is an event escrow whose journal-derived balance is negative.
type OverdrawnPool struct {
	EventCode string `json:"event_code"`
	Balance   int64  `json:"balance"`
}
