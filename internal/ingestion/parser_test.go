package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"ToteLedger/internal/event"
	"ToteLedger/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseInitializeEvent(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":        "550e8400-e29b-41d4-a716-446655440000",
		"caller":            "operator",
		"code":              "derby-2026",
		"side_a":            "red",
		"side_b":            "blue",
		"owner_cut_percent": int64(5),
		"deposit_start_us":  int64(1700000000000000),
		"deposit_end_us":    int64(1700003600000000),
		"timestamp_us":      int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "InitializeEvent")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ie, ok := cmd.(*event.InitializeEvent)
	if !ok {
		t.Fatalf("expected *event.InitializeEvent, got %T", cmd)
	}

	if ie.Code != "derby-2026" {
		t.Errorf("code: got %s, want derby-2026", ie.Code)
	}
	if ie.SideNames != [2]string{"red", "blue"} {
		t.Errorf("side names: got %v", ie.SideNames)
	}
	if ie.OwnerCutPercent != 5 {
		t.Errorf("owner_cut_percent: got %d, want 5", ie.OwnerCutPercent)
	}
	if !ie.DepositEnd.Equal(time.UnixMicro(1700003600000000)) {
		t.Errorf("deposit_end: got %v", ie.DepositEnd)
	}
	if ie.CommandType() != event.CommandTypeInitializeEvent {
		t.Errorf("command type: got %v, want InitializeEvent", ie.CommandType())
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "660e8400-e29b-41d4-a716-446655440001",
		"caller":       "alice",
		"code":         "derby-2026",
		"side":         1,
		"amount":       int64(2_500_000),
		"timestamp_us": int64(1700000100000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Deposit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := cmd.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", cmd)
	}

	if d.Caller != "alice" {
		t.Errorf("caller: got %s, want alice", d.Caller)
	}
	if d.Side != 1 {
		t.Errorf("side: got %d, want 1", d.Side)
	}
	if d.Amount != 2_500_000 {
		t.Errorf("amount: got %d, want 2_500_000", d.Amount)
	}
	if d.Actor() != "alice" {
		t.Errorf("actor: got %s, want alice", d.Actor())
	}
}

func TestParseSelectWinner(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "770e8400-e29b-41d4-a716-446655440002",
		"caller":       "operator",
		"code":         "derby-2026",
		"side":         0,
		"timestamp_us": int64(1700007200000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "SelectWinner")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sw, ok := cmd.(*event.SelectWinner)
	if !ok {
		t.Fatalf("expected *event.SelectWinner, got %T", cmd)
	}

	if sw.Side != 0 {
		t.Errorf("side: got %d, want 0", sw.Side)
	}
	if sw.CommandType() != event.CommandTypeSelectWinner {
		t.Errorf("command type: got %v, want SelectWinner", sw.CommandType())
	}
}

func TestParseDistributeRewards(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "880e8400-e29b-41d4-a716-446655440003",
		"caller":       "anyone",
		"code":         "derby-2026",
		"offset":       200,
		"limit":        100,
		"timestamp_us": int64(1700008000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "DistributeRewards")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dr, ok := cmd.(*event.DistributeRewards)
	if !ok {
		t.Fatalf("expected *event.DistributeRewards, got %T", cmd)
	}

	if dr.Offset != 200 {
		t.Errorf("offset: got %d, want 200", dr.Offset)
	}
	if dr.Limit != 100 {
		t.Errorf("limit: got %d, want 100", dr.Limit)
	}
}

func TestParseEndSaleAndCancel(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "990e8400-e29b-41d4-a716-446655440004",
		"caller":       "operator",
		"code":         "derby-2026",
		"timestamp_us": int64(1700005000000000),
	}

	raw := rawFromJSON(t, payload)

	cmd, err := ingestion.ParseRawCommand(raw, "EndSale")
	if err != nil {
		t.Fatalf("parse EndSale failed: %v", err)
	}
	if _, ok := cmd.(*event.EndSale); !ok {
		t.Fatalf("expected *event.EndSale, got %T", cmd)
	}

	cmd, err = ingestion.ParseRawCommand(raw, "CancelEvent")
	if err != nil {
		t.Fatalf("parse CancelEvent failed: %v", err)
	}
	if _, ok := cmd.(*event.CancelEvent); !ok {
		t.Fatalf("expected *event.CancelEvent, got %T", cmd)
	}

	cmd, err = ingestion.ParseRawCommand(raw, "WithdrawOwnerCut")
	if err != nil {
		t.Fatalf("parse WithdrawOwnerCut failed: %v", err)
	}
	if _, ok := cmd.(*event.WithdrawOwnerCut); !ok {
		t.Fatalf("expected *event.WithdrawOwnerCut, got %T", cmd)
	}
}

func TestCommandTypeForSubject(t *testing.T) {
	subjects := ingestion.DefaultSubjects()

	got, ok := ingestion.CommandTypeForSubject("tote.cmds.deposit.derby-2026", subjects)
	if !ok || got != "Deposit" {
		t.Errorf("deposit subject: got (%s, %v), want (Deposit, true)", got, ok)
	}

	got, ok = ingestion.CommandTypeForSubject("tote.cmds.selectwinner.derby-2026", subjects)
	if !ok || got != "SelectWinner" {
		t.Errorf("selectwinner subject: got (%s, %v), want (SelectWinner, true)", got, ok)
	}

	if _, ok := ingestion.CommandTypeForSubject("tote.unrelated.subject", subjects); ok {
		t.Error("unrelated subject should not resolve")
	}
}

func TestParseUnknownCommandType_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawCommand(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawCommand(raw, "Deposit")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "not-a-uuid",
		"caller":       "alice",
		"code":         "derby-2026",
		"side":         0,
		"amount":       int64(1),
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "Deposit")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
