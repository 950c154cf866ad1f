package guardian

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type fundsAccount struct {
	authorized decimal.Decimal
	deadline   time.Time
}

type settlementTicket struct {
	user         common.Address
	amount       decimal.Decimal
	deadline     time.Time
	authorizedAt time.Time
	executed     bool
}

type marketRecord struct {
	lastValidPrice  decimal.Decimal
	updateCount     uint64
	suspiciousCount uint64
	lastUpdate      time.Time
}

type balanceRecord struct {
	balance       decimal.Decimal
	negativeSince time.Time
	maxNegative   decimal.Decimal
}

// Ledger is the state owned by a single Guardian: the funds ledger, the
// market monitor, the balance guard and the violation registry. Create it
// with NewLedger and hand it to New; nothing else may write it.
type Ledger struct {
	accounts        map[common.Address]*fundsAccount
	tickets         map[common.Hash]*settlementTicket
	totalAuthorized decimal.Decimal

	markets map[string]*marketRecord

	balances      map[common.Address]*balanceRecord
	totalNegative decimal.Decimal

	violations []Violation
	open       map[uint64]struct{}
	metrics    Metrics
	flags      EmergencyFlags

	enforcement    bool
	lawEnabled     map[LawType]bool
	defaultActions map[LawType]Action

	roles map[Role]map[common.Address]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts:       make(map[common.Address]*fundsAccount),
		tickets:        make(map[common.Hash]*settlementTicket),
		markets:        make(map[string]*marketRecord),
		balances:       make(map[common.Address]*balanceRecord),
		open:           make(map[uint64]struct{}),
		lawEnabled:     make(map[LawType]bool),
		defaultActions: make(map[LawType]Action),
		roles:          make(map[Role]map[common.Address]struct{}),
		metrics:        Metrics{Score: 100, Compliant: true},
		enforcement:    true,
	}
}

// Snapshot is the durable part of a ledger: the violation registry and the
// emergency flags. Funds, market and balance books are rebuilt by the
// trading engine's own calls.
type Snapshot struct {
	Violations []Violation
	Flags      EmergencyFlags
}

// RestoreLedger rebuilds a ledger from snap. Violations may come in any
// order. Ids absent from the snapshot become resolved placeholders so new
// violations continue after the highest restored id.
func RestoreLedger(snap Snapshot) (*Ledger, error) {
	byID := make(map[uint64]Violation, len(snap.Violations))
	var maxID uint64
	for _, v := range snap.Violations {
		if v.ID == 0 {
			return nil, fmt.Errorf("restore ledger: violation without id")
		}
		if _, dup := byID[v.ID]; dup {
			return nil, fmt.Errorf("restore ledger: duplicate violation %d", v.ID)
		}
		byID[v.ID] = v
		if v.ID > maxID {
			maxID = v.ID
		}
	}

	l := NewLedger()
	l.violations = make([]Violation, 0, maxID)
	for id := uint64(1); id <= maxID; id++ {
		v, ok := byID[id]
		if !ok {
			v = Violation{ID: id, Resolved: true, Description: "missing from audit trail"}
		}
		l.violations = append(l.violations, v)
		l.metrics.TotalViolations++
		if v.Resolved {
			l.metrics.ResolvedViolations++
			continue
		}
		l.open[id] = struct{}{}
		l.metrics.ActiveViolations++
		if v.Severity >= SeverityCritical {
			l.metrics.CriticalViolations++
		}
	}
	l.flags = snap.Flags
	return l, nil
}

func (l *Ledger) account(user common.Address) *fundsAccount {
	acc, ok := l.accounts[user]
	if !ok {
		acc = &fundsAccount{}
		l.accounts[user] = acc
	}
	return acc
}

func (l *Ledger) market(name string) *marketRecord {
	rec, ok := l.markets[name]
	if !ok {
		rec = &marketRecord{}
		l.markets[name] = rec
	}
	return rec
}

func (l *Ledger) balance(user common.Address) *balanceRecord {
	rec, ok := l.balances[user]
	if !ok {
		rec = &balanceRecord{}
		l.balances[user] = rec
	}
	return rec
}
