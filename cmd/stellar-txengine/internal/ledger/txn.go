// Package ledger provides nested, rollback-capable transactions over ledger
// state. Writes made in a child are only visible to its parent once the child
// commits; rolling back discards them.
package ledger

import (
	"errors"
	"fmt"

	"github.com/stellar/go/xdr"
)

var (
	ErrChildOpen = errors.New("ledger txn has an open child")
	ErrInactive  = errors.New("ledger txn was already committed or rolled back")
	ErrNoEntry   = errors.New("ledger entry does not exist")
)

// Txn is an atomic view over ledger state.
type Txn interface {
	Header() xdr.LedgerHeader
	SetHeader(header xdr.LedgerHeader) error

	LoadAccount(id xdr.AccountId) (xdr.AccountEntry, bool, error)
	StoreAccount(entry xdr.AccountEntry) error
	EraseAccount(id xdr.AccountId) error

	NewChild() (Txn, error)
	Commit() error
	Rollback()

	// Changes reports the entries modified in this txn, in the order they
	// were first modified, as ledger entry changes suitable for meta.
	Changes() xdr.LedgerEntryChanges
}

// parent is implemented by everything a txn can be nested under.
type parent interface {
	currentHeader() xdr.LedgerHeader
	loadEntry(key string) (*xdr.LedgerEntry, error)
	commitChild(records []*entryRecord, header xdr.LedgerHeader) error
	rollbackChild()
}

type entryRecord struct {
	key       string
	ledgerKey xdr.LedgerKey
	previous  *xdr.LedgerEntry
	current   *xdr.LedgerEntry
	modified  bool
}

type txn struct {
	parent    parent
	header    xdr.LedgerHeader
	records   map[string]*entryRecord
	// keys of modified records, in the order they were first modified
	order     []string
	childOpen bool
	done      bool
}

func newTxn(p parent) *txn {
	return &txn{
		parent:  p,
		header:  p.currentHeader(),
		records: make(map[string]*entryRecord),
	}
}

func (t *txn) checkActive() error {
	if t.done {
		return ErrInactive
	}
	if t.childOpen {
		return ErrChildOpen
	}
	return nil
}

func (t *txn) Header() xdr.LedgerHeader {
	return t.header
}

func (t *txn) SetHeader(header xdr.LedgerHeader) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.header = header
	return nil
}

func (t *txn) record(ledgerKey xdr.LedgerKey) (*entryRecord, error) {
	key := EncodeKey(ledgerKey)
	if rec, ok := t.records[key]; ok {
		return rec, nil
	}
	previous, err := t.parent.loadEntry(key)
	if err != nil {
		return nil, err
	}
	rec := &entryRecord{
		key:       key,
		ledgerKey: ledgerKey,
		previous:  previous,
		current:   previous,
	}
	t.records[key] = rec
	return rec, nil
}

func (t *txn) LoadAccount(id xdr.AccountId) (xdr.AccountEntry, bool, error) {
	if err := t.checkActive(); err != nil {
		return xdr.AccountEntry{}, false, err
	}
	rec, err := t.record(AccountKey(id))
	if err != nil {
		return xdr.AccountEntry{}, false, err
	}
	if rec.current == nil {
		return xdr.AccountEntry{}, false, nil
	}
	return copyAccount(*rec.current.Data.Account), true, nil
}

func (t *txn) StoreAccount(entry xdr.AccountEntry) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	rec, err := t.record(AccountKey(entry.AccountId))
	if err != nil {
		return err
	}
	account := copyAccount(entry)
	rec.current = &xdr.LedgerEntry{
		LastModifiedLedgerSeq: t.header.LedgerSeq,
		Data: xdr.LedgerEntryData{
			Type:    xdr.LedgerEntryTypeAccount,
			Account: &account,
		},
	}
	t.markModified(rec)
	return nil
}

func (t *txn) EraseAccount(id xdr.AccountId) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	rec, err := t.record(AccountKey(id))
	if err != nil {
		return err
	}
	if rec.current == nil {
		return fmt.Errorf("erase account %s: %w", id.Address(), ErrNoEntry)
	}
	rec.current = nil
	t.markModified(rec)
	return nil
}

func (t *txn) NewChild() (Txn, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	t.childOpen = true
	return newTxn(t), nil
}

func (t *txn) Commit() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.done = true
	return t.parent.commitChild(t.modifiedRecords(), t.header)
}

func (t *txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.parent.rollbackChild()
}

func (t *txn) markModified(rec *entryRecord) {
	if !rec.modified {
		rec.modified = true
		t.order = append(t.order, rec.key)
	}
}

func (t *txn) modifiedRecords() []*entryRecord {
	out := make([]*entryRecord, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.records[key])
	}
	return out
}

func (t *txn) Changes() xdr.LedgerEntryChanges {
	var changes xdr.LedgerEntryChanges
	for _, rec := range t.modifiedRecords() {
		changes = append(changes, recordChanges(rec)...)
	}
	return changes
}

func recordChanges(rec *entryRecord) xdr.LedgerEntryChanges {
	switch {
	case rec.previous == nil && rec.current == nil:
		return nil
	case rec.previous == nil:
		return xdr.LedgerEntryChanges{{
			Type:    xdr.LedgerEntryChangeTypeLedgerEntryCreated,
			Created: rec.current,
		}}
	case rec.current == nil:
		key := rec.ledgerKey
		return xdr.LedgerEntryChanges{
			{Type: xdr.LedgerEntryChangeTypeLedgerEntryState, State: rec.previous},
			{Type: xdr.LedgerEntryChangeTypeLedgerEntryRemoved, Removed: &key},
		}
	default:
		return xdr.LedgerEntryChanges{
			{Type: xdr.LedgerEntryChangeTypeLedgerEntryState, State: rec.previous},
			{Type: xdr.LedgerEntryChangeTypeLedgerEntryUpdated, Updated: rec.current},
		}
	}
}

// parent implementation, used by children of this txn

func (t *txn) currentHeader() xdr.LedgerHeader {
	return t.header
}

func (t *txn) loadEntry(key string) (*xdr.LedgerEntry, error) {
	if rec, ok := t.records[key]; ok {
		return rec.current, nil
	}
	return t.parent.loadEntry(key)
}

func (t *txn) commitChild(records []*entryRecord, header xdr.LedgerHeader) error {
	for _, child := range records {
		rec, ok := t.records[child.key]
		if !ok {
			rec = &entryRecord{
				key:       child.key,
				ledgerKey: child.ledgerKey,
				previous:  child.previous,
			}
			t.records[child.key] = rec
		}
		rec.current = child.current
		t.markModified(rec)
	}
	t.header = header
	t.childOpen = false
	return nil
}

func (t *txn) rollbackChild() {
	t.childOpen = false
}

// copyAccount detaches the mutable slices of an account entry so callers
// cannot alias state owned by a txn.
func copyAccount(entry xdr.AccountEntry) xdr.AccountEntry {
	entry.Signers = append([]xdr.Signer(nil), entry.Signers...)
	return entry
}
