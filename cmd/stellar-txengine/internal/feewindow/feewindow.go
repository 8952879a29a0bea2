package feewindow

import (
	"slices"
	"sync"

	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/ledgerbucketwindow"
	"github.com/stellar/stellar-txengine/cmd/stellar-txengine/internal/transactions"
)

type FeeDistribution struct {
	Max         uint64
	Min         uint64
	Mode        uint64
	P10         uint64
	P20         uint64
	P30         uint64
	P40         uint64
	P50         uint64
	P60         uint64
	P70         uint64
	P80         uint64
	P90         uint64
	P95         uint64
	P99         uint64
	FeeCount    uint32
	LedgerCount uint32
}

type FeeWindow struct {
	lock          sync.RWMutex
	feesPerLedger *ledgerbucketwindow.LedgerBucketWindow[[]uint64]
	distribution  FeeDistribution
}

func NewFeeWindow(retentionWindow uint32) *FeeWindow {
	window := ledgerbucketwindow.NewLedgerBucketWindow[[]uint64](retentionWindow)
	return &FeeWindow{
		feesPerLedger: window,
	}
}

func (fw *FeeWindow) AppendLedgerFees(fees ledgerbucketwindow.LedgerBucket[[]uint64]) error {
	fw.lock.Lock()
	defer fw.lock.Unlock()
	_, err := fw.feesPerLedger.Append(fees)
	if err != nil {
		return err
	}

	var allFees []uint64
	for i := uint32(0); i < fw.feesPerLedger.Len(); i++ {
		allFees = append(allFees, fw.feesPerLedger.Get(i).BucketContent...)
	}
	fw.distribution = computeFeeDistribution(allFees, fw.feesPerLedger.Len())

	return nil
}

func computeFeeDistribution(fees []uint64, ledgerCount uint32) FeeDistribution {
	if len(fees) == 0 {
		return FeeDistribution{LedgerCount: ledgerCount}
	}
	slices.Sort(fees)
	// mode, ties go to the smallest value
	mode := fees[0]
	maxRepetitions := 0
	for start := 0; start < len(fees); {
		end := start + 1
		for end < len(fees) && fees[end] == fees[start] {
			end++
		}
		if end-start > maxRepetitions {
			maxRepetitions = end - start
			mode = fees[start]
		}
		start = end
	}
	count := uint64(len(fees))
	// nearest-rank percentile
	percentile := func(p uint64) uint64 {
		// ceiling(p*count/100)
		kth := ((p * count) + 100 - 1) / 100
		return fees[kth-1]
	}
	return FeeDistribution{
		Max:         fees[len(fees)-1],
		Min:         fees[0],
		Mode:        mode,
		P10:         percentile(10),
		P20:         percentile(20),
		P30:         percentile(30),
		P40:         percentile(40),
		P50:         percentile(50),
		P60:         percentile(60),
		P70:         percentile(70),
		P80:         percentile(80),
		P90:         percentile(90),
		P95:         percentile(95),
		P99:         percentile(99),
		FeeCount:    uint32(count),
		LedgerCount: ledgerCount,
	}
}

func (fw *FeeWindow) GetFeeDistribution() FeeDistribution {
	fw.lock.RLock()
	defer fw.lock.RUnlock()
	return fw.distribution
}

// FeeWindows tracks what applied transactions offered per operation and what
// they were actually charged.
type FeeWindows struct {
	InclusionFeeWindow *FeeWindow
	ChargedFeeWindow   *FeeWindow
}

func NewFeeWindows(retentionWindow uint32) *FeeWindows {
	return &FeeWindows{
		InclusionFeeWindow: NewFeeWindow(retentionWindow),
		ChargedFeeWindow:   NewFeeWindow(retentionWindow),
	}
}

// IngestFees records the fees of the transactions applied in a ledger. Frames
// must have been applied, so that their results carry the charged fee.
func (fw *FeeWindows) IngestFees(ledger ledgerbucketwindow.LedgerInfo, frames []transactions.Frame) error {
	inclusionFees := make([]uint64, 0, len(frames))
	chargedFees := make([]uint64, 0, len(frames))
	for _, frame := range frames {
		if numOps := frame.NumOperations(); numOps > 0 && frame.FeeBid() > 0 {
			inclusionFees = append(inclusionFees, uint64(frame.FeeBid())/uint64(numOps))
		}
		if charged := frame.Result().FeeCharged; charged > 0 {
			chargedFees = append(chargedFees, uint64(charged))
		}
	}
	bucket := ledgerbucketwindow.LedgerBucket[[]uint64]{
		LedgerSeq:            ledger.Sequence,
		LedgerCloseTimestamp: ledger.CloseTime,
		BucketContent:        inclusionFees,
	}
	if err := fw.InclusionFeeWindow.AppendLedgerFees(bucket); err != nil {
		return err
	}
	bucket.BucketContent = chargedFees
	return fw.ChargedFeeWindow.AppendLedgerFees(bucket)
}
