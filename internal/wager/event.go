package wager

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a wagering event
type Status int32

const (
	StatusOpen Status = iota
	StatusEnded
	StatusWinnerSelected
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusEnded:
		return "Ended"
	case StatusWinnerSelected:
		return "WinnerSelected"
	case StatusCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// NoWinner marks an event with no declared winning side yet.
const NoWinner = -1

// Event is the in-memory record of a two-sided wagering event.
// All mutation goes through methods so the state machine invariants hold:
// Open -> Ended -> WinnerSelected (terminal), Open|Ended -> Cancelled (terminal).
type Event struct {
	Code              string
	SideNames         [2]string
	OwnerCutPercent   int64
	DepositStart      time.Time
	DepositEnd        time.Time
	Status            Status
	WinningSide       int // NoWinner until selected
	OwnerCutWithdrawn bool

	// Participant bookkeeping. participants preserves insertion order so
	// pagination is stable across calls and across restarts (replay rebuilds
	// the same order from the command log).
	participants []string
	sideOf       map[string]int
	deposits     map[string]int64
	claimed      map[string]bool
	sideTotals   [2]int64
}

// NewEvent validates the parameters and returns an Open event.
func NewEvent(code string, sideNames [2]string, ownerCutPercent int64, depositStart, depositEnd time.Time) (*Event, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: event code is empty", ErrInvalidInput)
	}
	if sideNames[0] == "" || sideNames[1] == "" {
		return nil, fmt.Errorf("%w: both side names are required", ErrInvalidInput)
	}
	if sideNames[0] == sideNames[1] {
		return nil, fmt.Errorf("%w: side names must differ", ErrInvalidInput)
	}
	if ownerCutPercent < 0 || ownerCutPercent > 100 {
		return nil, fmt.Errorf("%w: owner cut percent %d outside [0,100]", ErrInvalidInput, ownerCutPercent)
	}
	if !depositEnd.After(depositStart) {
		return nil, fmt.Errorf("%w: deposit window end must be after start", ErrInvalidInput)
	}

	return &Event{
		Code:            code,
		SideNames:       sideNames,
		OwnerCutPercent: ownerCutPercent,
		DepositStart:    depositStart,
		DepositEnd:      depositEnd,
		Status:          StatusOpen,
		WinningSide:     NoWinner,
		sideOf:          make(map[string]int),
		deposits:        make(map[string]int64),
		claimed:         make(map[string]bool),
	}, nil
}

// effectiveStatus folds the implicit close at depositEnd into the status:
// an Open event past its deposit deadline behaves as Ended for every
// transition and deposit check, without requiring an explicit EndSale first.
func (e *Event) effectiveStatus(at time.Time) Status {
	if e.Status == StatusOpen && !at.Before(e.DepositEnd) {
		return StatusEnded
	}
	return e.Status
}

// EffectiveStatus reports the status as of the given versioned timestamp.
func (e *Event) EffectiveStatus(at time.Time) Status {
	return e.effectiveStatus(at)
}

// CanDeposit checks window and status without mutating.
func (e *Event) CanDeposit(at time.Time) error {
	if e.effectiveStatus(at) != StatusOpen {
		return fmt.Errorf("%w (status=%s)", ErrEventNotOpen, e.Status)
	}
	if at.Before(e.DepositStart) {
		return fmt.Errorf("%w: window opens at %s", ErrEventNotOpen, e.DepositStart.UTC().Format(time.RFC3339))
	}
	return nil
}

// ValidateDeposit runs every deposit precondition except the transfer itself.
// The engine calls this before moving assets (checks precede interactions),
// then RecordDeposit with the observed received amount after the transfer.
func (e *Event) ValidateDeposit(holder string, side int, amount int64, at time.Time) error {
	if err := e.CanDeposit(at); err != nil {
		return err
	}
	if side != 0 && side != 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidSide, side)
	}
	if amount <= 0 {
		return fmt.Errorf("%w (got %d)", ErrZeroAmount, amount)
	}
	if holder == "" {
		return fmt.Errorf("%w: holder is empty", ErrInvalidInput)
	}
	if prev, ok := e.sideOf[holder]; ok && prev != side {
		return fmt.Errorf("%w (existing side %d, requested %d)", ErrSideMismatch, prev, side)
	}
	return nil
}

// RecordDeposit credits the received amount to the holder's side. The amount
// recorded is what the pool actually observed arriving, which may be less than
// the requested amount when the asset applies a transfer tax.
func (e *Event) RecordDeposit(holder string, side int, received int64, at time.Time) error {
	if err := e.ValidateDeposit(holder, side, received, at); err != nil {
		return err
	}

	if _, ok := e.sideOf[holder]; !ok {
		e.participants = append(e.participants, holder)
		e.sideOf[holder] = side
	}
	e.deposits[holder] += received
	e.sideTotals[side] += received
	return nil
}

// End closes the deposit window explicitly.
func (e *Event) End(at time.Time) error {
	switch e.effectiveStatus(at) {
	case StatusOpen:
		e.Status = StatusEnded
		return nil
	case StatusEnded:
		// Implicitly or explicitly ended already; repeating is harmless but
		// reported so callers can tell.
		if e.Status == StatusOpen {
			e.Status = StatusEnded
			return nil
		}
		return fmt.Errorf("%w: sale already ended", ErrAlreadyDone)
	default:
		return fmt.Errorf("%w: cannot end sale from %s", ErrInvalidState, e.Status)
	}
}

// SetWinner records the winning side. Requires the sale to be over.
func (e *Event) SetWinner(side int, at time.Time) error {
	if side != 0 && side != 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidSide, side)
	}
	switch e.effectiveStatus(at) {
	case StatusEnded:
		e.Status = StatusWinnerSelected
		e.WinningSide = side
		return nil
	case StatusOpen:
		return fmt.Errorf("%w: sale still open", ErrInvalidState)
	case StatusWinnerSelected:
		return fmt.Errorf("%w: winner already selected (side %d)", ErrAlreadyDone, e.WinningSide)
	default:
		return fmt.Errorf("%w: cannot select winner on cancelled event", ErrInvalidState)
	}
}

// Cancel voids the event. Legal from Open or Ended only.
func (e *Event) Cancel(at time.Time) error {
	switch e.effectiveStatus(at) {
	case StatusOpen, StatusEnded:
		e.Status = StatusCancelled
		return nil
	case StatusCancelled:
		return fmt.Errorf("%w: event already cancelled", ErrAlreadyDone)
	default:
		return fmt.Errorf("%w: cannot cancel after winner selection", ErrInvalidState)
	}
}

// MarkClaimed sets the claimed flag for a participant after a successful
// payout (or a zero-amount payout that needs no transfer).
func (e *Event) MarkClaimed(holder string) {
	e.claimed[holder] = true
}

// UnmarkClaimed reverts the claimed flag when a payout transfer fails after
// the flag was set, keeping the holder payable on a later page.
func (e *Event) UnmarkClaimed(holder string) {
	delete(e.claimed, holder)
}

// DepositOf returns the recorded deposit for a holder (0 if none).
func (e *Event) DepositOf(holder string) int64 {
	return e.deposits[holder]
}

// SideOf returns the holder's side, or NoWinner if the holder never deposited.
func (e *Event) SideOf(holder string) int {
	if s, ok := e.sideOf[holder]; ok {
		return s
	}
	return NoWinner
}

// Claimed reports whether the holder's payout or refund was already made.
func (e *Event) Claimed(holder string) bool {
	return e.claimed[holder]
}

// SideTotal returns the observed deposit total for one side.
func (e *Event) SideTotal(side int) int64 {
	if side != 0 && side != 1 {
		return 0
	}
	return e.sideTotals[side]
}

// Total returns the full pool (both sides).
func (e *Event) Total() int64 {
	return e.sideTotals[0] + e.sideTotals[1]
}

// ParticipantCount returns how many distinct holders deposited.
func (e *Event) ParticipantCount() int {
	return len(e.participants)
}

// Participants returns the full participant list in insertion order.
func (e *Event) Participants() []string {
	out := make([]string, len(e.participants))
	copy(out, e.participants)
	return out
}

// ParticipantsPage returns the half-open range [offset, offset+limit) of the
// participant list, clamped to the list bounds. Empty when offset is past the
// end. offset < 0 or limit <= 0 is the caller's validation error, not ours.
func (e *Event) ParticipantsPage(offset, limit int) []string {
	return pageOf(e.participants, offset, limit)
}

// SideParticipants returns the holders on one side, in insertion order.
func (e *Event) SideParticipants(side int) []string {
	var out []string
	for _, p := range e.participants {
		if e.sideOf[p] == side {
			out = append(out, p)
		}
	}
	return out
}

// SideParticipantsPage pages over one side's holders in insertion order.
func (e *Event) SideParticipantsPage(side, offset, limit int) []string {
	return pageOf(e.SideParticipants(side), offset, limit)
}

func pageOf(list []string, offset, limit int) []string {
	if offset >= len(list) || offset < 0 || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	out := make([]string, end-offset)
	copy(out, list[offset:end])
	return out
}

// Digest returns a deterministic SHA-256 over the full event record. Fed into
// the engine's state-hash chain after every applied command.
func (e *Event) Digest() []byte {
	h := sha256.New()

	writeStr := func(s string) {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeI64 := func(v int64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	writeStr(e.Code)
	writeStr(e.SideNames[0])
	writeStr(e.SideNames[1])
	writeI64(e.OwnerCutPercent)
	writeI64(e.DepositStart.UnixMicro())
	writeI64(e.DepositEnd.UnixMicro())
	writeI64(int64(e.Status))
	writeI64(int64(e.WinningSide))
	if e.OwnerCutWithdrawn {
		writeI64(1)
	} else {
		writeI64(0)
	}
	writeI64(e.sideTotals[0])
	writeI64(e.sideTotals[1])

	writeI64(int64(len(e.participants)))
	for _, p := range e.participants {
		writeStr(p)
		writeI64(int64(e.sideOf[p]))
		writeI64(e.deposits[p])
		if e.claimed[p] {
			writeI64(1)
		} else {
			writeI64(0)
		}
	}

	return h.Sum(nil)
}
