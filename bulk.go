package efsvault

import (
	"context"
	"fmt"
	"sync"

	"github.com/absfs/absfs"
)

// BulkAddResult is the outcome of encrypting and writing a single item
// within a BulkAdd batch.
type BulkAddResult struct {
	Input AddInput
	Entry FileEntry
	Err   error
}

// BulkAdd encrypts and writes len(items) blobs using a worker pool, then
// performs exactly one catalog read-modify-write for the whole batch: no
// reader ever observes a partially-committed batch. Blob I/O for different
// items runs concurrently; the catalog mutation itself is single-threaded.
//
// ctx is checked between items; a cancellation stops dispatch of further
// items but does not roll back blobs already written for items still in
// flight, and the catalog is not committed at all for a cancelled batch —
// every successfully encrypted blob is left behind as an orphan for GC to
// find, and every result is reported with its own error (ctx.Err() for the
// items that were skipped). Per-item failures in an uncancelled batch are
// reported in the returned slice, not as the overall error. The overall
// error is non-nil only if the batch could not be unlocked, was cancelled,
// or the final catalog commit itself failed.
func BulkAdd(ctx context.Context, fs absfs.FileSystem, passphrase string, items []AddInput, opts BulkOptions) ([]BulkAddResult, error) {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.BulkAdd(ctx, items, opts)
}

// BulkAdd is the Session-scoped form of the package-level BulkAdd, reusing
// the session's already-derived master key.
func (s *Session) BulkAdd(ctx context.Context, items []AddInput, opts BulkOptions) ([]BulkAddResult, error) {
	log := s.logger()
	results := make([]BulkAddResult, len(items))
	if len(items) == 0 {
		return results, nil
	}

	encryptOne := func(i int) {
		defer recoverInto(func(err error) { results[i] = BulkAddResult{Input: items[i], Err: err} })

		select {
		case <-ctx.Done():
			results[i] = BulkAddResult{Input: items[i], Err: ctx.Err()}
			return
		default:
		}
		id, blobData, entry, err := encryptForAdd(s.state.master, items[i])
		if err != nil {
			results[i] = BulkAddResult{Input: items[i], Err: err}
			return
		}
		if err := writeBlob(s.fs, id, blobData); err != nil {
			results[i] = BulkAddResult{Input: items[i], Err: err}
			return
		}
		results[i] = BulkAddResult{Input: items[i], Entry: entry}
	}

	if len(items) < opts.minParallel() {
		for i := range items {
			encryptOne(i)
		}
	} else {
		runIndexed(opts.workers(len(items)), len(items), encryptOne)
	}

	if err := ctx.Err(); err != nil {
		log.Warn("bulk add cancelled, catalog not committed", "total", len(items), "err", err)
		return results, err
	}

	var committed int
	for i := range results {
		if results[i].Err == nil {
			s.state.catalog.Files = append(s.state.catalog.Files, results[i].Entry)
			committed++
		}
	}

	if committed > 0 {
		if err := s.state.persist(s.fs); err != nil {
			s.state.catalog.Files = s.state.catalog.Files[:len(s.state.catalog.Files)-committed]
			log.Warn("bulk add failed persisting catalog", "attempted", committed, "err", err)
			return results, err
		}
	}

	log.Debug("bulk add complete", "total", len(items), "committed", committed)
	return results, nil
}

// BulkRemoveResult is the outcome of removing a single id within a
// BulkRemove batch.
type BulkRemoveResult struct {
	ID  string
	Err error
}

// BulkRemove drops len(ids) catalog entries and deletes their blobs using
// a worker pool for the blob deletions, committing the catalog once for
// the whole batch. An id absent from the catalog is reported as NotFound
// in its result without affecting the rest of the batch.
func BulkRemove(ctx context.Context, fs absfs.FileSystem, passphrase string, ids []string, opts BulkOptions) ([]BulkRemoveResult, error) {
	sess, err := Unlock(fs, passphrase)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.BulkRemove(ctx, ids, opts)
}

// BulkRemove is the Session-scoped form of the package-level BulkRemove.
func (s *Session) BulkRemove(ctx context.Context, ids []string, opts BulkOptions) ([]BulkRemoveResult, error) {
	log := s.logger()
	results := make([]BulkRemoveResult, len(ids))
	if len(ids) == 0 {
		return results, nil
	}

	removedIdx := make([]int, 0, len(ids))
	for i, id := range ids {
		if s.state.catalog.find(id) < 0 {
			results[i] = BulkRemoveResult{ID: id, Err: newErr(NotFound, "bulk-remove", id, nil)}
			continue
		}
		removedIdx = append(removedIdx, i)
	}

	kept := make([]FileEntry, 0, len(s.state.catalog.Files))
	toRemove := make(map[string]struct{}, len(removedIdx))
	for _, i := range removedIdx {
		toRemove[ids[i]] = struct{}{}
	}
	for _, f := range s.state.catalog.Files {
		if _, drop := toRemove[f.ID]; !drop {
			kept = append(kept, f)
		}
	}
	prevFiles := s.state.catalog.Files
	s.state.catalog.Files = kept

	if len(removedIdx) > 0 {
		if err := s.state.persist(s.fs); err != nil {
			s.state.catalog.Files = prevFiles
			log.Warn("bulk remove failed persisting catalog", "err", err)
			return results, err
		}
	}

	deleteOne := func(n int) {
		i := removedIdx[n]
		defer recoverInto(func(err error) { results[i] = BulkRemoveResult{ID: ids[i], Err: err} })

		select {
		case <-ctx.Done():
			results[i] = BulkRemoveResult{ID: ids[i], Err: ctx.Err()}
			return
		default:
		}
		if err := deleteBlob(s.fs, ids[i]); err != nil {
			results[i] = BulkRemoveResult{ID: ids[i], Err: err}
			return
		}
		results[i] = BulkRemoveResult{ID: ids[i]}
	}

	if len(removedIdx) < opts.minParallel() {
		for n := range removedIdx {
			deleteOne(n)
		}
	} else {
		runIndexed(opts.workers(len(removedIdx)), len(removedIdx), deleteOne)
	}

	log.Debug("bulk remove complete", "total", len(ids), "removed", len(removedIdx))
	return results, nil
}

// runIndexed fans [0, n) out across numWorkers goroutines, each running fn
// on a disjoint subset of indices, and blocks until every index has run.
// fn is responsible for recovering its own panics (see recoverInto); a
// panic that escapes fn here still crashes the pool, matching a bug in a
// single item taking down the batch rather than silently losing results.
func runIndexed(numWorkers, n int, fn func(i int)) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	jobs := make(chan int, n)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// recoverInto turns a panic inside the caller's deferred scope into a call
// to report, so one bad item in a worker pool cannot take the rest of the
// batch down with it.
func recoverInto(report func(err error)) {
	if r := recover(); r != nil {
		report(fmt.Errorf("panic: %v", r))
	}
}
