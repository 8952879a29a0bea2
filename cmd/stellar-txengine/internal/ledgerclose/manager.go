// Package ledgerclose runs the standalone ledger: it admits transactions into
// a pending set and periodically closes a ledger by charging and applying them.
package ledgerclose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellar/go/hash"
	"github.com/stellar/go/network"
	"github.com/stellar/go/support/log"
	"github.com/stellar/go/xdr"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/daemon/interfaces"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/db"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/feewindow"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledger"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerbucketwindow"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/signature"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/transactions"
)

const defaultCloseInterval = 5 * time.Second

var (
	ErrDuplicate = errors.New("duplicate transaction")
	ErrQueueFull = errors.New("pending transaction set is full")
)

type Config struct {
	Logger            *log.Entry
	Root              *ledger.Root
	NetworkPassphrase string
	FeeWindows        *feewindow.FeeWindows
	// Transactions, when set, is consulted so that transactions already
	// stored in a closed ledger are not admitted again.
	Transactions      db.TransactionReader
	Verifier          *signature.Verifier
	FeePolicy         transactions.FeePolicy
	CloseInterval     time.Duration
	Clock             clockwork.Clock
	OnCloseRetry      backoff.Notify
	Daemon            interfaces.Daemon
}

type Metrics struct {
	validationMetric    *prometheus.CounterVec
	closeDurationMetric *prometheus.SummaryVec
	appliedMetric       *prometheus.CounterVec
	feeChargedMetric    prometheus.Counter
	pendingMetric       prometheus.Gauge
	latestLedgerMetric  prometheus.Gauge
}

// Manager owns the root ledger. All of its methods are safe for concurrent
// use; they are serialized on a single lock.
type Manager struct {
	mu sync.Mutex

	logger        *log.Entry
	root          *ledger.Root
	passphrase    string
	networkID     xdr.Hash
	feeWindows    *feewindow.FeeWindows
	history       db.TransactionReader
	frameOptions  []transactions.Option
	closeInterval time.Duration
	clock         clockwork.Clock
	onCloseRetry  backoff.Notify
	metrics       Metrics

	pending       []transactions.Frame
	pendingHashes map[xdr.Hash]struct{}
	// pendingSeqs holds the highest pending sequence number per source
	// account, so that consecutive transactions can be queued together.
	pendingSeqs map[string]xdr.SequenceNumber
}

func NewManager(cfg Config) *Manager {
	validationMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "engine", Name: "validation_total",
		Help: "transaction validity checks, by check kind and outcome",
	}, []string{"check", "outcome"})
	closeDurationMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "ledger", Name: "close_duration_seconds",
		Help:       "ledger close durations, sliding window = 10m",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"phase"})
	appliedMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "engine", Name: "applied_transactions_total",
		Help: "applied transactions, by result code",
	}, []string{"result"})
	feeChargedMetric := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "engine", Name: "fee_charged_stroops_total",
		Help: "total fees charged to fee sources",
	})
	pendingMetric := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "ledger", Name: "pending_transactions",
		Help: "number of transactions waiting for the next ledger close",
	})
	latestLedgerMetric := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Daemon.MetricsNamespace(), Subsystem: "ledger", Name: "latest_ledger",
		Help: "sequence number of the latest closed ledger",
	})
	cfg.Daemon.MetricsRegistry().MustRegister(
		validationMetric,
		closeDurationMetric,
		appliedMetric,
		feeChargedMetric,
		pendingMetric,
		latestLedgerMetric)

	opts := []transactions.Option{transactions.WithVerifier(cfg.Verifier)}
	if cfg.FeePolicy != nil {
		opts = append(opts, transactions.WithFeePolicy(cfg.FeePolicy))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := cfg.CloseInterval
	if interval <= 0 {
		interval = defaultCloseInterval
	}
	feeWindows := cfg.FeeWindows
	if feeWindows == nil {
		feeWindows = feewindow.NewFeeWindows(0)
	}
	latestLedgerMetric.Set(float64(cfg.Root.Header().LedgerSeq))

	return &Manager{
		logger:        cfg.Logger,
		root:          cfg.Root,
		passphrase:    cfg.NetworkPassphrase,
		networkID:     network.ID(cfg.NetworkPassphrase),
		feeWindows:    feeWindows,
		history:       cfg.Transactions,
		frameOptions:  opts,
		closeInterval: interval,
		clock:         clock,
		onCloseRetry:  cfg.OnCloseRetry,
		metrics: Metrics{
			validationMetric:    validationMetric,
			closeDurationMetric: closeDurationMetric,
			appliedMetric:       appliedMetric,
			feeChargedMetric:    feeChargedMetric,
			pendingMetric:       pendingMetric,
			latestLedgerMetric:  latestLedgerMetric,
		},
		pendingHashes: make(map[xdr.Hash]struct{}),
		pendingSeqs:   make(map[string]xdr.SequenceNumber),
	}
}

func (m *Manager) NetworkPassphrase() string {
	return m.passphrase
}

func (m *Manager) NetworkID() xdr.Hash {
	return m.networkID
}

func (m *Manager) CloseInterval() time.Duration {
	return m.closeInterval
}

func (m *Manager) FeeWindows() *feewindow.FeeWindows {
	return m.feeWindows
}

// LatestLedger returns the header of the last closed ledger.
func (m *Manager) LatestLedger() xdr.LedgerHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.Header()
}

func (m *Manager) LoadAccount(id xdr.AccountId) (xdr.AccountEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.LoadAccount(id)
}

func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NewFrame builds the frame for an envelope with the manager's verifier and
// fee policy.
func (m *Manager) NewFrame(env xdr.TransactionEnvelope) (transactions.Frame, error) {
	return transactions.MakeFromWire(m.networkID, env, m.frameOptions...)
}

// Check validates an envelope against the next ledger without queueing it.
// The only state it can change is the removal of a consumed one-time signer.
func (m *Manager) Check(ctx context.Context, env xdr.TransactionEnvelope, fullCheck bool) (transactions.Frame, bool, error) {
	frame, err := m.NewFrame(env)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	valid, err := m.validate(ctx, frame, fullCheck)
	return frame, valid, err
}

// Submit triages an envelope, fully validates it and adds it to the pending
// set. An invalid transaction is not an error: the returned frame carries its
// result and false is returned.
func (m *Manager) Submit(ctx context.Context, env xdr.TransactionEnvelope) (transactions.Frame, bool, error) {
	frame, err := m.NewFrame(env)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes := frameHashes(frame)
	for _, h := range hashes {
		if _, ok := m.pendingHashes[h]; ok {
			return frame, false, fmt.Errorf("%w: %s is pending", ErrDuplicate, hexHash(h))
		}
	}
	if err := m.checkHistory(ctx, hashes); err != nil {
		return frame, false, err
	}
	if len(m.pending) >= int(m.root.Header().MaxTxSetSize) {
		return frame, false, ErrQueueFull
	}

	// the cheap check touches no accounts, so most junk is turned away before
	// an SQL transaction is opened
	if valid, err := m.validate(ctx, frame, false); err != nil || !valid {
		return frame, false, err
	}
	if valid, err := m.validate(ctx, frame, true); err != nil || !valid {
		return frame, false, err
	}

	m.pending = append(m.pending, frame)
	for _, h := range hashes {
		m.pendingHashes[h] = struct{}{}
	}
	m.pendingSeqs[frame.SourceID().Address()] = frame.SeqNum()
	m.metrics.pendingMetric.Set(float64(len(m.pending)))
	m.logger.WithField("hash", hexHash(frame.FullHash())).Debug("transaction queued")
	return frame, true, nil
}

// checkHistory returns ErrDuplicate if any of the hashes is stored with a
// closed ledger. A fee bump that failed at apply time stores its inner hash
// without consuming the inner sequence number, so the inner envelope on its
// own would otherwise be admitted again.
func (m *Manager) checkHistory(ctx context.Context, hashes []xdr.Hash) error {
	if m.history == nil {
		return nil
	}
	for _, h := range hashes {
		tx, _, err := m.history.GetTransaction(ctx, h)
		switch {
		case errors.Is(err, db.ErrNoTransaction):
			continue
		case err != nil:
			return fmt.Errorf("could not look up transaction history: %w", err)
		default:
			return fmt.Errorf("%w: %s was included in ledger %d", ErrDuplicate, hexHash(h), tx.Ledger.Sequence)
		}
	}
	return nil
}

func (m *Manager) validate(ctx context.Context, frame transactions.Frame, fullCheck bool) (bool, error) {
	mode := ledger.ReadOnlyWithoutSQLTxn
	if fullCheck {
		mode = ledger.ReadWriteWithSQLTxn
	}
	ltx, err := m.root.NewChildWithMode(ctx, mode)
	if err != nil {
		return false, err
	}
	defer ltx.Rollback()

	current := ltx.Header()
	if err := ltx.SetHeader(nextHeader(current, m.clock.Now())); err != nil {
		return false, err
	}
	valid, err := frame.CheckValid(ltx, m.pendingSeqs[frame.SourceID().Address()], 0, m.closeIntervalSeconds(), fullCheck)
	if err != nil {
		return false, fmt.Errorf("could not check transaction: %w", err)
	}
	m.metrics.validationMetric.With(prometheus.Labels{
		"check":   checkKind(fullCheck),
		"outcome": frame.Validity().String(),
	}).Inc()

	if frame.Validity() == transactions.InvalidPostAuth {
		if err := ltx.SetHeader(current); err != nil {
			return false, err
		}
		if err := ltx.Commit(); err != nil {
			return false, fmt.Errorf("could not remove one-time signer: %w", err)
		}
	}
	return valid, nil
}

// CloseLedger closes the next ledger with every pending transaction: fees for
// all of them are charged first, then each one is applied in submission order.
// Applied transactions are stored together with the new ledger.
func (m *Manager) CloseLedger(ctx context.Context) (xdr.LedgerHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	startTime := time.Now()
	frames := m.pending
	next := nextHeader(m.root.Header(), m.clock.Now())

	ltx, err := m.openLedgerTxn(ctx)
	if err != nil {
		return xdr.LedgerHeader{}, err
	}
	defer ltx.Rollback()
	if err := ltx.SetHeader(next); err != nil {
		return xdr.LedgerHeader{}, err
	}

	baseFee := int64(next.BaseFee)
	for _, frame := range frames {
		if err := inChild(ltx, func(child ledger.Txn) error {
			return frame.ProcessFeeSeqNum(child, baseFee)
		}); err != nil {
			m.dropPending(err)
			return xdr.LedgerHeader{}, fmt.Errorf("could not process fee: %w", err)
		}
	}
	m.metrics.closeDurationMetric.
		With(prometheus.Labels{"phase": "fees"}).Observe(time.Since(startTime).Seconds())

	records := make([]db.TransactionRecord, 0, len(frames))
	var feeCharged int64
	for i, frame := range frames {
		var meta xdr.TransactionMeta
		if err := inChild(ltx, func(child ledger.Txn) error {
			_, err := frame.Apply(child, &meta)
			return err
		}); err != nil {
			m.dropPending(err)
			return xdr.LedgerHeader{}, fmt.Errorf("could not apply transaction %s: %w", hexHash(frame.FullHash()), err)
		}
		records = append(records, newTransactionRecord(frame, int32(i+1), meta))
		feeCharged += int64(frame.Result().FeeCharged)
		m.metrics.appliedMetric.With(prometheus.Labels{"result": frame.ResultCode().String()}).Inc()
	}

	if tx := m.root.SQLTx(); tx != nil {
		if err := tx.TransactionWriter().InsertTransactions(uint32(next.LedgerSeq), records); err != nil {
			m.dropPending(err)
			return xdr.LedgerHeader{}, fmt.Errorf("could not store transactions: %w", err)
		}
	}
	closed := ltx.Header()
	if err := ltx.Commit(); err != nil {
		return xdr.LedgerHeader{}, fmt.Errorf("could not commit ledger %d: %w", closed.LedgerSeq, err)
	}

	m.resetPending()

	info := ledgerbucketwindow.LedgerInfo{
		Sequence:  uint32(closed.LedgerSeq),
		CloseTime: int64(closed.ScpValue.CloseTime),
	}
	if err := m.feeWindows.IngestFees(info, frames); err != nil {
		m.logger.WithError(err).Warn("could not ingest fees")
	}

	m.metrics.closeDurationMetric.
		With(prometheus.Labels{"phase": "total"}).Observe(time.Since(startTime).Seconds())
	m.metrics.feeChargedMetric.Add(float64(feeCharged))
	m.metrics.latestLedgerMetric.Set(float64(closed.LedgerSeq))
	m.logger.WithFields(log.F{
		"sequence":     closed.LedgerSeq,
		"transactions": len(frames),
		"fee_charged":  feeCharged,
	}).Info("closed ledger")
	return closed, nil
}

func (m *Manager) resetPending() {
	m.pending = nil
	m.pendingHashes = make(map[xdr.Hash]struct{})
	m.pendingSeqs = make(map[string]xdr.SequenceNumber)
	m.metrics.pendingMetric.Set(0)
}

// dropPending discards a pending set that could not be applied or stored, so
// that later ledgers can still close. The dropped transactions are reported
// as not found and can be submitted again.
func (m *Manager) dropPending(cause error) {
	for _, frame := range m.pending {
		m.logger.WithError(cause).
			WithField("hash", hexHash(frame.FullHash())).
			Warn("dropping pending transaction")
	}
	m.resetPending()
}

// openLedgerTxn opens the child the ledger is closed in. Opening it begins
// the SQL write transaction, which is retried while the database is busy.
func (m *Manager) openLedgerTxn(ctx context.Context) (ledger.Txn, error) {
	var ltx ledger.Txn
	constantBackoff := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 5)
	err := backoff.RetryNotify(
		func() error {
			var err error
			ltx, err = m.root.NewChildWithMode(ctx, ledger.ReadWriteWithSQLTxn)
			if errors.Is(err, ledger.ErrChildOpen) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(constantBackoff, ctx),
		m.onCloseRetry)
	if err != nil {
		return nil, err
	}
	return ltx, nil
}

// Run closes a ledger every close interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.closeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := m.CloseLedger(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.WithError(err).Error("could not close ledger")
			}
		}
	}
}

func (m *Manager) closeIntervalSeconds() uint64 {
	return uint64(m.closeInterval / time.Second)
}

// nextHeader derives the header of the ledger following current. Close times
// strictly increase even if the clock does not.
func nextHeader(current xdr.LedgerHeader, now time.Time) xdr.LedgerHeader {
	next := current
	next.LedgerSeq++
	if h, err := LedgerHash(current); err == nil {
		next.PreviousLedgerHash = h
	}
	closeTime := uint64(now.Unix())
	if last := uint64(current.ScpValue.CloseTime); closeTime <= last {
		closeTime = last + 1
	}
	next.ScpValue.CloseTime = xdr.TimePoint(closeTime)
	return next
}

// LedgerHash is the hash of the XDR encoding of a ledger header.
func LedgerHash(header xdr.LedgerHeader) (xdr.Hash, error) {
	raw, err := header.MarshalBinary()
	if err != nil {
		return xdr.Hash{}, err
	}
	return hash.Hash(raw), nil
}

func inChild(ltx ledger.Txn, f func(child ledger.Txn) error) error {
	child, err := ltx.NewChild()
	if err != nil {
		return err
	}
	if err := f(child); err != nil {
		child.Rollback()
		return err
	}
	return child.Commit()
}

type innerHasher interface {
	InnerFullHash() xdr.Hash
}

// frameHashes lists the hashes a frame is known by: its full hash and, for a
// fee bump, the full hash of the wrapped transaction.
func frameHashes(frame transactions.Frame) []xdr.Hash {
	hashes := []xdr.Hash{frame.FullHash()}
	if inner, ok := frame.(innerHasher); ok {
		hashes = append(hashes, inner.InnerFullHash())
	}
	return hashes
}

func newTransactionRecord(frame transactions.Frame, order int32, meta xdr.TransactionMeta) db.TransactionRecord {
	record := db.TransactionRecord{
		Hash:             frame.FullHash(),
		ApplicationOrder: order,
		Envelope:         frame.Envelope(),
		Result:           frame.Result(),
		Meta:             meta,
	}
	if inner, ok := frame.(innerHasher); ok {
		innerHash := inner.InnerFullHash()
		record.InnerHash = &innerHash
	}
	return record
}

func checkKind(fullCheck bool) string {
	if fullCheck {
		return "full"
	}
	return "triage"
}

func hexHash(h xdr.Hash) string {
	return h.HexString()
}
