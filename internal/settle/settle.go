package settle

// Stake is one winning-side participant's recorded deposit.
type Stake struct {
	Holder string
	Amount int64
}

// Payout is the computed reward for one participant.
type Payout struct {
	Holder string
	Amount int64
}

// Settlement represents the computed outcome split for a wagering event.
type Settlement struct {
	EventCode   string
	WinningSide int
	TotalPool   int64
	OwnerCut    int64 // floor(total * percent / 100)
	RewardPool  int64 // total - ownerCut
	NoWinners   bool  // winning side had no deposits
	Payouts     []Payout
	Residual    int64 // sum(payouts) - rewardPool, from per-winner rounding
}

// Compute calculates the settlement for a decided event. Pure: no state is
// read or written, so it serves both the payout path and read-only previews.
//
// Each winner's reward is their proportional share of the reward pool,
// rounded half-up:
//
//	reward_i = round(deposit_i * rewardPool / winningSideTotal)
//
// Per-winner rounding makes the payout sum differ from the reward pool by a
// small residual (at most one base unit per winner, in practice |residual|
// stays within a couple of units). The residual is reported, not corrected:
// the pool absorbs a shortfall and funds an overage.
//
// winners must be the winning side's stakes in a deterministic order; their
// amounts must sum to winningSideTotal.
func Compute(eventCode string, winningSide int, ownerCutPercent, totalPool, winningSideTotal int64, winners []Stake) *Settlement {
	ownerCut := MulDiv(totalPool, ownerCutPercent, 100, RoundDown)
	rewardPool := totalPool - ownerCut

	s := &Settlement{
		EventCode:   eventCode,
		WinningSide: winningSide,
		TotalPool:   totalPool,
		OwnerCut:    ownerCut,
		RewardPool:  rewardPool,
	}

	if winningSideTotal == 0 || len(winners) == 0 {
		s.NoWinners = true
		return s
	}

	var paid int64
	s.Payouts = make([]Payout, 0, len(winners))
	for _, w := range winners {
		reward := MulDiv(w.Amount, rewardPool, winningSideTotal, RoundHalfUp)
		s.Payouts = append(s.Payouts, Payout{Holder: w.Holder, Amount: reward})
		paid += reward
	}

	s.Residual = paid - rewardPool
	return s
}

// RewardFor computes a single winner's reward without materializing the full
// payout list. Same formula as Compute.
func RewardFor(deposit, ownerCutPercent, totalPool, winningSideTotal int64) int64 {
	if winningSideTotal == 0 {
		return 0
	}
	ownerCut := MulDiv(totalPool, ownerCutPercent, 100, RoundDown)
	rewardPool := totalPool - ownerCut
	return MulDiv(deposit, rewardPool, winningSideTotal, RoundHalfUp)
}
