package event

import (
	"encoding/json"
	"fmt"
)

// DecodeCommand unmarshals a stored command payload back into its typed form.
// Payloads in the command log are the JSON encoding of the command structs
// themselves, so this is the inverse of the engine's envelope marshalling.
// Used during startup replay.
func DecodeCommand(commandType string, payload []byte) (Command, error) {
	var cmd Command
	switch commandType {
	case CommandTypeInitializeEvent.String():
		cmd = &InitializeEvent{}
	case CommandTypeDeposit.String():
		cmd = &Deposit{}
	case CommandTypeEndSale.String():
		cmd = &EndSale{}
	case CommandTypeSelectWinner.String():
		cmd = &SelectWinner{}
	case CommandTypeCancelEvent.String():
		cmd = &CancelEvent{}
	case CommandTypeDistributeRewards.String():
		cmd = &DistributeRewards{}
	case CommandTypeRefundTokens.String():
		cmd = &RefundTokens{}
	case CommandTypeWithdrawOwnerCut.String():
		cmd = &WithdrawOwnerCut{}
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", commandType, err)
	}
	return cmd, nil
}
