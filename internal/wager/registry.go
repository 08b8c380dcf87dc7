package wager

import (
	"fmt"
	"sort"
	"time"
)

// Registry holds every wagering event by code. Owned by the engine loop;
// not safe for concurrent use.
type Registry struct {
	events map[string]*Event
}

func NewRegistry() *Registry {
	return &Registry{
		events: make(map[string]*Event),
	}
}

// Add registers a new event. Reusing a code is rejected.
func (r *Registry) Add(e *Event) error {
	if _, exists := r.events[e.Code]; exists {
		return fmt.Errorf("%w: event code %q already in use", ErrInvalidInput, e.Code)
	}
	r.events[e.Code] = e
	return nil
}

// Get returns the event for a code or ErrNotFound.
func (r *Registry) Get(code string) (*Event, error) {
	e, ok := r.events[code]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, code)
	}
	return e, nil
}

// Len returns the number of registered events.
func (r *Registry) Len() int {
	return len(r.events)
}

// Codes returns all event codes sorted for deterministic iteration.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.events))
	for c := range r.events {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// EventSnapshot is the serializable form of an Event for snapshots.
type EventSnapshot struct {
	Code              string             `json:"code"`
	SideNames         [2]string          `json:"side_names"`
	OwnerCutPercent   int64              `json:"owner_cut_percent"`
	DepositStart      time.Time          `json:"deposit_start"`
	DepositEnd        time.Time          `json:"deposit_end"`
	Status            Status             `json:"status"`
	WinningSide       int                `json:"winning_side"`
	OwnerCutWithdrawn bool               `json:"owner_cut_withdrawn"`
	Participants      []string           `json:"participants"`
	SideOf            map[string]int     `json:"side_of"`
	Deposits          map[string]int64   `json:"deposits"`
	Claimed           map[string]bool    `json:"claimed"`
	SideTotals        [2]int64           `json:"side_totals"`
}

// Snapshot exports every event, sorted by code.
func (r *Registry) Snapshot() []EventSnapshot {
	out := make([]EventSnapshot, 0, len(r.events))
	for _, code := range r.Codes() {
		e := r.events[code]
		snap := EventSnapshot{
			Code:              e.Code,
			SideNames:         e.SideNames,
			OwnerCutPercent:   e.OwnerCutPercent,
			DepositStart:      e.DepositStart,
			DepositEnd:        e.DepositEnd,
			Status:            e.Status,
			WinningSide:       e.WinningSide,
			OwnerCutWithdrawn: e.OwnerCutWithdrawn,
			Participants:      append([]string(nil), e.participants...),
			SideOf:            make(map[string]int, len(e.sideOf)),
			Deposits:          make(map[string]int64, len(e.deposits)),
			Claimed:           make(map[string]bool, len(e.claimed)),
			SideTotals:        e.sideTotals,
		}
		for k, v := range e.sideOf {
			snap.SideOf[k] = v
		}
		for k, v := range e.deposits {
			snap.Deposits[k] = v
		}
		for k, v := range e.claimed {
			snap.Claimed[k] = v
		}
		out = append(out, snap)
	}
	return out
}

// Restore replaces the registry contents from a snapshot.
func (r *Registry) Restore(snaps []EventSnapshot) {
	r.events = make(map[string]*Event, len(snaps))
	for _, s := range snaps {
		e := &Event{
			Code:              s.Code,
			SideNames:         s.SideNames,
			OwnerCutPercent:   s.OwnerCutPercent,
			DepositStart:      s.DepositStart,
			DepositEnd:        s.DepositEnd,
			Status:            s.Status,
			WinningSide:       s.WinningSide,
			OwnerCutWithdrawn: s.OwnerCutWithdrawn,
			participants:      append([]string(nil), s.Participants...),
			sideOf:            make(map[string]int, len(s.SideOf)),
			deposits:          make(map[string]int64, len(s.Deposits)),
			claimed:           make(map[string]bool, len(s.Claimed)),
			sideTotals:        s.SideTotals,
		}
		for k, v := range s.SideOf {
			e.sideOf[k] = v
		}
		for k, v := range s.Deposits {
			e.deposits[k] = v
		}
		for k, v := range s.Claimed {
			e.claimed[k] = v
		}
		r.events[s.Code] = e
	}
}
