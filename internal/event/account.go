package event

import (
	"fmt"

	"PerpSettle/internal/admin"
	"PerpSettle/internal/core"

	"github.com/google/uuid"
)

// AccountOpType selects the collateral movement.
type AccountOpType int32

const (
	AccountOpDeposit AccountOpType = iota + 1
	AccountOpWithdraw
	AccountOpAddMargin
	AccountOpRemoveMargin
)

func (t AccountOpType) String() string {
	switch t {
	case AccountOpDeposit:
		return "deposit"
	case AccountOpWithdraw:
		return "withdraw"
	case AccountOpAddMargin:
		return "add_margin"
	case AccountOpRemoveMargin:
		return "remove_margin"
	default:
		return "unknown"
	}
}

func ParseAccountOpType(s string) (AccountOpType, error) {
	for t := AccountOpDeposit; t <= AccountOpRemoveMargin; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown account operation %q", s)
}

// AccountOperation is a deposit, withdrawal or margin transfer.
// Idempotency key: the upstream reference.
type AccountOperation struct {
	Op       AccountOpType
	Request  core.AccountOp
	Sequence int64
}

func (a *AccountOperation) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", a.Op, a.Request.Ref)
}

func (a *AccountOperation) EventType() EventType {
	return EventTypeAccountOperation
}

func (a *AccountOperation) Market() string {
	return a.Request.MarketID
}

func (a *AccountOperation) SourceSequence() int64 {
	return a.Sequence
}

// ConfigCommand is an owner-signed market config change.
type ConfigCommand struct {
	CommandID uuid.UUID
	Caller    uuid.UUID
	MarketID  string
	Command   admin.Command
}

func (c *ConfigCommand) IdempotencyKey() string {
	return "config:" + c.CommandID.String()
}

func (c *ConfigCommand) EventType() EventType {
	return EventTypeConfigCommand
}

func (c *ConfigCommand) Market() string {
	return c.MarketID
}

func (c *ConfigCommand) SourceSequence() int64 {
	return 0
}
