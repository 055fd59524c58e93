package efsvault

import (
	"errors"
	"runtime"
)

// KDFParams are the Argon2id parameters carried on every catalog header.
// Implementations must not silently change the defaults; once a catalog is
// written, its own header parameters (not the library defaults) govern how
// it is unlocked.
type KDFParams struct {
	// TimeCost is the number of Argon2id iterations.
	TimeCost uint32
	// MemoryCostKiB is the Argon2id memory parameter, in KiB.
	MemoryCostKiB uint32
	// Parallelism is the Argon2id degree of parallelism.
	Parallelism uint32
}

// DefaultKDFParams returns the spec-mandated defaults: t_cost=4,
// m_cost=256MiB, parallelism=2.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		TimeCost:      4,
		MemoryCostKiB: 262144,
		Parallelism:   2,
	}
}

func (p KDFParams) validate() error {
	if p.TimeCost == 0 {
		return newErr(CorruptVault, "kdf-params", "", errors.New("t_cost must be > 0"))
	}
	if p.MemoryCostKiB == 0 {
		return newErr(CorruptVault, "kdf-params", "", errors.New("m_cost must be > 0"))
	}
	if p.Parallelism == 0 {
		return newErr(CorruptVault, "kdf-params", "", errors.New("parallelism must be > 0"))
	}
	return nil
}

// BulkOptions controls the worker pool used by BulkAdd and BulkRemove.
type BulkOptions struct {
	// MaxWorkers caps the number of concurrent goroutines. If 0, defaults
	// to runtime.NumCPU().
	MaxWorkers int
	// MinItemsForParallel is the smallest batch size that uses the worker
	// pool; smaller batches run sequentially on the caller's goroutine.
	// Defaults to 4 if 0.
	MinItemsForParallel int
}

func (o BulkOptions) workers(numItems int) int {
	n := o.MaxWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > numItems {
		n = numItems
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (o BulkOptions) minParallel() int {
	if o.MinItemsForParallel <= 0 {
		return 4
	}
	return o.MinItemsForParallel
}
