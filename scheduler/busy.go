package scheduler

import "sync/atomic"

// BusyFlag is the process-wide server_busy gate. Heavy maintenance (bundler,
// nullifier, delete-all, vacuum, backup) must hold it; an attempt while held
// fails fast so the caller can surface busy instead of waiting.
type BusyFlag struct {
	held atomic.Bool
}

// TryAcquire takes the flag if free.
func (b *BusyFlag) TryAcquire() bool {
	return b.held.CompareAndSwap(false, true)
}

// Release frees the flag.
func (b *BusyFlag) Release() {
	b.held.Store(false)
}

// IsBusy reports the flag without taking it.
func (b *BusyFlag) IsBusy() bool {
	return b.held.Load()
}
