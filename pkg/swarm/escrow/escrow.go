// Package escrow keeps the bonded-balance ledger of the swarm: deposits,
// per-task bond holds, releases, and slashes, persisted as JSON-lines with
// atomic rename. The invariant held <= balance survives every operation.
package escrow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/contracts"
)

// maxTransactions caps each account's log; older entries drop FIFO.
const maxTransactions = 500

type bond struct {
	NodeID string  `json:"node_id"`
	Amount float64 `json:"amount"`
}

// ledgerLine is the persisted record: one account or one task bond per line.
type ledgerLine struct {
	Kind    string                   `json:"kind"` // account | bond
	Account *contracts.EscrowAccount `json:"account,omitempty"`
	TaskID  string                   `json:"task_id,omitempty"`
	Bond    *bond                    `json:"bond,omitempty"`
}

// Ledger is the escrow store.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*contracts.EscrowAccount
	bonds    map[string]bond

	path   string
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// Open loads (or creates) the ledger at path. Malformed lines are skipped.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		accounts: make(map[string]*contracts.EscrowAccount),
		bonds:    make(map[string]bond),
		path:     path,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("escrow ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line ledgerLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		switch {
		case line.Kind == "account" && line.Account != nil && line.Account.NodeID != "":
			acct := *line.Account
			l.accounts[acct.NodeID] = &acct
		case line.Kind == "bond" && line.Bond != nil && line.TaskID != "":
			l.bonds[line.TaskID] = *line.Bond
		}
	}
	return scanner.Err()
}

// save writes the whole ledger to a temp file and renames it into place.
// Called with the mutex held.
func (l *Ledger) saveLocked() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("escrow ledger: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".escrow-*")
	if err != nil {
		return fmt.Errorf("escrow ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, acct := range l.accounts {
		if err := enc.Encode(ledgerLine{Kind: "account", Account: acct}); err != nil {
			tmp.Close()
			return fmt.Errorf("escrow ledger: %w", err)
		}
	}
	for taskID, b := range l.bonds {
		b := b
		if err := enc.Encode(ledgerLine{Kind: "bond", TaskID: taskID, Bond: &b}); err != nil {
			tmp.Close()
			return fmt.Errorf("escrow ledger: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("escrow ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("escrow ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("escrow ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("escrow ledger: %w", err)
	}
	return nil
}

func (l *Ledger) recordLocked(acct *contracts.EscrowAccount, kind, taskID string, amount float64) {
	acct.Transactions = append(acct.Transactions, contracts.EscrowTransaction{
		TxID:      uuid.New().String(),
		Kind:      kind,
		TaskID:    taskID,
		Amount:    amount,
		Timestamp: l.clock(),
	})
	if len(acct.Transactions) > maxTransactions {
		acct.Transactions = acct.Transactions[len(acct.Transactions)-maxTransactions:]
	}
}

// Deposit credits free balance.
func (l *Ledger) Deposit(nodeID string, amount float64) error {
	if nodeID == "" || amount <= 0 {
		return contracts.NewError(contracts.CodeInvalidInput, "deposit requires node_id and a positive amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[nodeID]
	if !ok {
		acct = &contracts.EscrowAccount{NodeID: nodeID}
		l.accounts[nodeID] = acct
	}
	acct.Balance += amount
	l.recordLocked(acct, "deposit", "", amount)
	return l.saveLocked()
}

// HoldBond moves amount from free balance to held, bound to a task.
func (l *Ledger) HoldBond(taskID, nodeID string, amount float64) error {
	if taskID == "" || amount <= 0 {
		return contracts.NewError(contracts.CodeInvalidInput, "hold requires task_id and a positive amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.bonds[taskID]; exists {
		return contracts.NewError(contracts.CodeInvalidInput, "task %s already has a bond", taskID)
	}
	acct, ok := l.accounts[nodeID]
	if !ok {
		return contracts.NewError(contracts.CodeInvalidInput, "no escrow account for %s", nodeID)
	}
	if acct.Balance-acct.Held < amount {
		return contracts.NewError(contracts.CodeInvalidInput,
			"insufficient free balance: %.4f < %.4f", acct.Balance-acct.Held, amount)
	}
	acct.Held += amount
	l.bonds[taskID] = bond{NodeID: nodeID, Amount: amount}
	l.recordLocked(acct, "hold", taskID, amount)
	return l.saveLocked()
}

// ReleaseBond returns a task's held amount to free balance.
func (l *Ledger) ReleaseBond(taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bonds[taskID]
	if !ok {
		return contracts.NewError(contracts.CodeInvalidInput, "no bond for task %s", taskID)
	}
	acct := l.accounts[b.NodeID]
	acct.Held -= b.Amount
	delete(l.bonds, taskID)
	l.recordLocked(acct, "release", taskID, b.Amount)
	return l.saveLocked()
}

// SlashBond debits fraction (0..1] of the bond from balance and releases
// the hold.
func (l *Ledger) SlashBond(taskID string, fraction float64) (float64, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, contracts.NewError(contracts.CodeInvalidInput, "slash fraction must be in (0,1]")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bonds[taskID]
	if !ok {
		return 0, contracts.NewError(contracts.CodeInvalidInput, "no bond for task %s", taskID)
	}
	acct := l.accounts[b.NodeID]
	slashed := b.Amount * fraction
	acct.Balance -= slashed
	acct.Held -= b.Amount
	delete(l.bonds, taskID)
	l.recordLocked(acct, "slash", taskID, slashed)
	l.logger.Warn("bond slashed", "task_id", taskID, "node_id", b.NodeID, "amount", slashed)
	return slashed, l.saveLocked()
}

// Account returns a copy of one account.
func (l *Ledger) Account(nodeID string) (contracts.EscrowAccount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[nodeID]
	if !ok {
		return contracts.EscrowAccount{}, false
	}
	copied := *acct
	copied.Transactions = append([]contracts.EscrowTransaction(nil), acct.Transactions...)
	return copied, true
}

// Bond returns the (node_id, amount) pair bound to a task.
func (l *Ledger) Bond(taskID string) (string, float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bonds[taskID]
	return b.NodeID, b.Amount, ok
}
