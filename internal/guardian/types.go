package guardian

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// LawType identifies which of the three laws a violation belongs to.
type LawType uint8

const (
	LawFundsProtection LawType = iota
	LawMarketIntegrity
	LawBalanceProtection
)

// Laws lists every law in declaration order.
var Laws = []LawType{LawFundsProtection, LawMarketIntegrity, LawBalanceProtection}

func (l LawType) String() string {
	switch l {
	case LawFundsProtection:
		return "funds"
	case LawMarketIntegrity:
		return "market"
	case LawBalanceProtection:
		return "balance"
	default:
		return fmt.Sprintf("law(%d)", uint8(l))
	}
}

// ParseLaw accepts the names produced by LawType.String.
func ParseLaw(s string) (LawType, error) {
	for _, law := range Laws {
		if strings.EqualFold(s, law.String()) {
			return law, nil
		}
	}
	return 0, fmt.Errorf("unknown law %q", s)
}

// Severity grades a violation. Values are ordered.
type Severity uint8

const (
	SeverityWarning Severity = iota + 1
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// ParseSeverity accepts the names produced by Severity.String.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range []Severity{SeverityWarning, SeverityCritical, SeverityEmergency} {
		if strings.EqualFold(s, sev.String()) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Action is the enforcement response attached to a violation.
type Action uint8

const (
	ActionLogOnly Action = iota
	ActionRevert
	ActionPause
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionLogOnly:
		return "log"
	case ActionRevert:
		return "revert"
	case ActionPause:
		return "pause"
	case ActionShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ParseAction accepts the names produced by Action.String.
func ParseAction(s string) (Action, error) {
	for _, a := range []Action{ActionLogOnly, ActionRevert, ActionPause, ActionShutdown} {
		if strings.EqualFold(s, a.String()) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Role gates access to entry points.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleTrustedContract Role = "trusted-contract"
	RoleMonitor         Role = "monitor"
	RoleAuditor         Role = "auditor"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(s)); r {
	case RoleAdmin, RoleTrustedContract, RoleMonitor, RoleAuditor:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Violation is an entry in the append-only violation log. Only the
// resolution fields change after it is written.
type Violation struct {
	ID             uint64
	Law            LawType
	Severity       Severity
	Violator       common.Address
	Amount         decimal.Decimal
	Fingerprint    common.Hash
	Timestamp      time.Time
	Description    string
	Action         Action
	Resolved       bool
	ResolvedAt     time.Time
	ResolvedBy     common.Address
	ResolutionNote string
}

// Metrics aggregates violation counters and the derived score.
type Metrics struct {
	TotalViolations    uint64
	ResolvedViolations uint64
	ActiveViolations   uint64
	CriticalViolations uint64
	Score              uint8
	Compliant          bool
	LastCheck          time.Time
}

// EmergencyFlags are the global switches the trading engine polls.
type EmergencyFlags struct {
	EmergencyMode    bool
	FundsFrozen      bool
	BalanceEmergency bool
}

// Any reports whether at least one flag is raised.
func (f EmergencyFlags) Any() bool {
	return f.EmergencyMode || f.FundsFrozen || f.BalanceEmergency
}

// ComplianceStatus is the read model returned by GetComplianceStatus.
type ComplianceStatus struct {
	Metrics
	EmergencyFlags
	EnforcementEnabled bool
	TotalAuthorized    decimal.Decimal
	TotalNegative      decimal.Decimal
}

// FundsStatus describes a user's outstanding settlement authorization.
type FundsStatus struct {
	User       common.Address
	Authorized decimal.Decimal
	Deadline   time.Time
	Frozen     bool
}

// MarketStatus describes the monitor's view of one market.
type MarketStatus struct {
	Market          string
	LastValidPrice  decimal.Decimal
	UpdateCount     uint64
	SuspiciousCount uint64
	LastUpdate      time.Time
}

// BalanceStatus describes a user's balance record. NegativeSince is zero
// while the balance is non-negative.
type BalanceStatus struct {
	User          common.Address
	Balance       decimal.Decimal
	NegativeSince time.Time
	MaxNegative   decimal.Decimal
	Emergency     bool
}
