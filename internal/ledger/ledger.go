// Package ledger tracks a virtual balance per exchange so the bot can never
// commit more capital than it was configured with, regardless of the real
// balances sitting on the venues.
//
// Funds move through three buckets: available to locked (reserve), locked to
// spent (commit) and locked back to available (release). The sum available+locked
// only ever decreases through commits; ResetBalances restores the configured
// initial values.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// InsufficientBalanceError is returned when a reservation asks for more than
// the available balance on an exchange. It is an expected, frequent outcome:
// callers skip the opportunity rather than treat it as a fault.
type InsufficientBalanceError struct {
	Exchange  string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: required $%s, available $%s",
		e.Exchange, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// Account holds the balance buckets for one exchange.
type Account struct {
	Initial   decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Ledger is the per-exchange virtual balance book. One mutex guards every
// account; critical sections are pure arithmetic, so a single lock is cheap
// and keeps multi-account operations atomic.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

// New creates a ledger with the given initial balance per exchange. Exchange
// names are lowercased; the set of exchanges is fixed for the process
// lifetime.
func New(initial map[string]decimal.Decimal) *Ledger {
	l := &Ledger{accounts: make(map[string]*Account, len(initial))}
	names := make([]string, 0, len(initial))
	for exchange, amount := range initial {
		exchange = strings.ToLower(exchange)
		l.accounts[exchange] = &Account{
			Initial:   amount,
			Available: amount,
		}
		names = append(names, fmt.Sprintf("%s=$%s", exchange, amount.StringFixed(2)))
	}
	sort.Strings(names)
	log.Info().Strs("accounts", names).Msg("💰 Virtual balances initialized")
	return l
}

func (l *Ledger) account(exchange string) *Account {
	return l.accounts[strings.ToLower(exchange)]
}

// GetBalance returns the available balance for an exchange, zero if unknown.
func (l *Ledger) GetBalance(exchange string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc := l.account(exchange); acc != nil {
		return acc.Available
	}
	return decimal.Zero
}

// GetLockedBalance returns the locked balance for an exchange.
func (l *Ledger) GetLockedBalance(exchange string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc := l.account(exchange); acc != nil {
		return acc.Locked
	}
	return decimal.Zero
}

// GetTotalBalance returns available+locked for an exchange.
func (l *Ledger) GetTotalBalance(exchange string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc := l.account(exchange); acc != nil {
		return acc.Available.Add(acc.Locked)
	}
	return decimal.Zero
}

// CheckBalance reports whether amount could currently be reserved on the
// exchange. Read-only: a positive answer is advisory, not a reservation.
func (l *Ledger) CheckBalance(exchange string, amount decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(exchange)
	return acc != nil && acc.Available.GreaterThanOrEqual(amount)
}

// AvailableBalance returns the available balance and whether the exchange is
// known to the ledger. Sizing code branches on the second value instead of
// conflating "unknown venue" with "no funds".
func (l *Ledger) AvailableBalance(exchange string) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc := l.account(exchange); acc != nil {
		return acc.Available, true
	}
	return decimal.Zero, false
}

// ReserveBalance moves amount from available to locked. On insufficient
// funds it returns InsufficientBalanceError and leaves the account untouched.
func (l *Ledger) ReserveBalance(exchange string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(exchange)
	if acc == nil {
		return &InsufficientBalanceError{Exchange: exchange, Required: amount, Available: decimal.Zero}
	}
	if acc.Available.LessThan(amount) {
		return &InsufficientBalanceError{Exchange: exchange, Required: amount, Available: acc.Available}
	}

	acc.Available = acc.Available.Sub(amount)
	acc.Locked = acc.Locked.Add(amount)

	log.Info().
		Str("exchange", exchange).
		Str("amount", amount.StringFixed(2)).
		Str("available", acc.Available.StringFixed(2)).
		Str("locked", acc.Locked.StringFixed(2)).
		Msg("🔒 Balance reserved")
	return nil
}

// CommitOrder removes amount from locked: the capital was genuinely spent on
// a filled order. Over-committing clamps locked at zero and logs a warning;
// that path indicates a caller bug, not a recoverable condition.
func (l *Ledger) CommitOrder(exchange string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(exchange)
	if acc == nil {
		log.Warn().Str("exchange", exchange).Msg("Commit on unknown exchange ignored")
		return
	}
	if acc.Locked.LessThan(amount) {
		log.Warn().
			Str("exchange", exchange).
			Str("amount", amount.StringFixed(2)).
			Str("locked", acc.Locked.StringFixed(2)).
			Msg("⚠️ Commit exceeds locked balance, clamping to zero")
		acc.Locked = decimal.Zero
	} else {
		acc.Locked = acc.Locked.Sub(amount)
	}

	log.Info().
		Str("exchange", exchange).
		Str("amount", amount.StringFixed(2)).
		Str("locked", acc.Locked.StringFixed(2)).
		Msg("✅ Balance committed")
}

// ReleaseBalance moves up to amount from locked back to available. Releasing
// more than is locked releases whatever is locked and logs a warning.
func (l *Ledger) ReleaseBalance(exchange string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(exchange)
	if acc == nil {
		log.Warn().Str("exchange", exchange).Msg("Release on unknown exchange ignored")
		return
	}

	release := amount
	if acc.Locked.LessThan(amount) {
		log.Warn().
			Str("exchange", exchange).
			Str("amount", amount.StringFixed(2)).
			Str("locked", acc.Locked.StringFixed(2)).
			Msg("⚠️ Release exceeds locked balance, releasing what is locked")
		release = acc.Locked
	}

	acc.Locked = acc.Locked.Sub(release)
	acc.Available = acc.Available.Add(release)

	log.Info().
		Str("exchange", exchange).
		Str("amount", release.StringFixed(2)).
		Str("available", acc.Available.StringFixed(2)).
		Str("locked", acc.Locked.StringFixed(2)).
		Msg("🔓 Balance released")
}

// ResetBalances restores every account to its configured initial value.
func (l *Ledger) ResetBalances() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, acc := range l.accounts {
		acc.Available = acc.Initial
		acc.Locked = decimal.Zero
	}
	log.Info().Msg("Balances reset to initial values")
}

// Snapshot returns a copy of every account, keyed by exchange.
func (l *Ledger) Snapshot() map[string]Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Account, len(l.accounts))
	for exchange, acc := range l.accounts {
		out[exchange] = *acc
	}
	return out
}
