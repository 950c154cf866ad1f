package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ViolationRecord is the persisted audit copy of a guardian violation.
type ViolationRecord struct {
	InstanceID     uuid.UUID
	ViolationID    uint64
	Law            string
	Severity       string
	Violator       string
	Amount         decimal.Decimal
	Fingerprint    string
	Action         string
	Description    string
	DetectedAt     time.Time
	Resolved       bool
	ResolvedAt     *time.Time
	ResolvedBy     *string
	ResolutionNote *string
	CreatedAt      time.Time
}

// SignalRecord captures one outbound guardian signal.
type SignalRecord struct {
	ID          uuid.UUID
	InstanceID  uuid.UUID
	Kind        string
	Caller      string
	Subject     *string
	Market      *string
	Amount      *decimal.Decimal
	Ticket      *string
	Action      *string
	Description *string
	EmittedAt   time.Time
}

// ScoreSample is a point in the compliance score history.
type ScoreSample struct {
	InstanceID         uuid.UUID
	Score              uint8
	Compliant          bool
	ActiveViolations   uint64
	CriticalViolations uint64
	EmergencyMode      bool
	FundsFrozen        bool
	BalanceEmergency   bool
	SampledAt          time.Time
}

// FlagsRecord is the last persisted set of emergency flags of an instance.
type FlagsRecord struct {
	InstanceID       uuid.UUID
	EmergencyMode    bool
	FundsFrozen      bool
	BalanceEmergency bool
	UpdatedAt        time.Time
}
