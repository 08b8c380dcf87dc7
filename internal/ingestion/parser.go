package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ToteLedger/internal/event"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed event.Command. The ingestion shell validates and converts
// before handing off to the engine; malformed input never reaches it.
func ParseRawCommand(raw RawCommand, commandType string) (event.Command, error) {
	switch commandType {
	case "InitializeEvent":
		return parseInitializeEvent(raw.Data)
	case "Deposit":
		return parseDeposit(raw.Data)
	case "EndSale":
		return parseEndSale(raw.Data)
	case "SelectWinner":
		return parseSelectWinner(raw.Data)
	case "CancelEvent":
		return parseCancelEvent(raw.Data)
	case "DistributeRewards":
		return parseDistributeRewards(raw.Data)
	case "RefundTokens":
		return parseRefundTokens(raw.Data)
	case "WithdrawOwnerCut":
		return parseWithdrawOwnerCut(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Timestamps are
// epoch microseconds and are treated as versioned input, never wall clock.

type initializeEventJSON struct {
	CommandID       string `json:"command_id"`
	Caller          string `json:"caller"`
	Code            string `json:"code"`
	SideA           string `json:"side_a"`
	SideB           string `json:"side_b"`
	OwnerCutPercent int64  `json:"owner_cut_percent"`
	DepositStartUs  int64  `json:"deposit_start_us"`
	DepositEndUs    int64  `json:"deposit_end_us"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseInitializeEvent(data []byte) (*event.InitializeEvent, error) {
	var j initializeEventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitializeEvent: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.InitializeEvent{
		CommandID:       commandID,
		Caller:          j.Caller,
		Code:            j.Code,
		SideNames:       [2]string{j.SideA, j.SideB},
		OwnerCutPercent: j.OwnerCutPercent,
		DepositStart:    time.UnixMicro(j.DepositStartUs),
		DepositEnd:      time.UnixMicro(j.DepositEndUs),
		At:              time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Code        string `json:"code"`
	Side        int    `json:"side"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.Deposit{
		CommandID: commandID,
		Caller:    j.Caller,
		Code:      j.Code,
		Side:      j.Side,
		Amount:    j.Amount,
		At:        time.UnixMicro(j.TimestampUs),
	}, nil
}

// lifecycleJSON covers the commands that carry no payload beyond the target
// event: EndSale, CancelEvent, WithdrawOwnerCut.
type lifecycleJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Code        string `json:"code"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseEndSale(data []byte) (*event.EndSale, error) {
	var j lifecycleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EndSale: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.EndSale{
		CommandID: commandID,
		Caller:    j.Caller,
		Code:      j.Code,
		At:        time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseCancelEvent(data []byte) (*event.CancelEvent, error) {
	var j lifecycleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelEvent: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.CancelEvent{
		CommandID: commandID,
		Caller:    j.Caller,
		Code:      j.Code,
		At:        time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawOwnerCut(data []byte) (*event.WithdrawOwnerCut, error) {
	var j lifecycleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawOwnerCut: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.WithdrawOwnerCut{
		CommandID: commandID,
		Caller:    j.Caller,
		Code:      j.Code,
		At:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type selectWinnerJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Code        string `json:"code"`
	Side        int    `json:"side"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSelectWinner(data []byte) (*event.SelectWinner, error) {
	var j selectWinnerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SelectWinner: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.SelectWinner{
		CommandID: commandID,
		Caller:    j.Caller,
		Code:      j.Code,
		Side:      j.Side,
		At:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type pageJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Code        string `json:"code"`
	Offset      int    `json:"offset"`
	Limit       int    `json:"limit"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDistributeRewards(data []byte) (*event.DistributeRewards, error) {
	var j pageJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DistributeRewards: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.DistributeRewards{
		CommandID: commandID,
		Caller:    j.Caller,
		Code:      j.Code,
		Offset:    j.Offset,
		Limit:     j.Limit,
		At:        time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRefundTokens(data []byte) (*event.RefundTokens, error) {
	var j pageJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RefundTokens: %w", err)
	}
	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &event.RefundTokens{
		CommandID: commandID,
		Caller:    j.Caller,
		Code:      j.Code,
		Offset:    j.Offset,
		Limit:     j.Limit,
		At:        time.UnixMicro(j.TimestampUs),
	}, nil
}
