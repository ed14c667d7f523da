package event

// EventType discriminator for inbound messages
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeSettleRequested
	EventTypeMarkPriceUpdate
	EventTypeFundingIndexUpdate
	EventTypeAccountOperation
	EventTypeConfigCommand
)

// Event is the interface all inbound payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Market returns the market context ("" for account-wide events)
	Market() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeSettleRequested:
		return "SettleRequested"
	case EventTypeMarkPriceUpdate:
		return "MarkPriceUpdate"
	case EventTypeFundingIndexUpdate:
		return "FundingIndexUpdate"
	case EventTypeAccountOperation:
		return "AccountOperation"
	case EventTypeConfigCommand:
		return "ConfigCommand"
	default:
		return "Unknown"
	}
}
