// Package control implements the control block (C2): the per-process
// singleton view of heap base, collector phase, color epoch, free lists,
// and the grey log. The offset pointer and segment header formats this
// module produces are designed for these to eventually live at fixed
// offsets inside the shared mapping itself; this delivery constructs them
// process-local instead, so two processes attached to the same segment each
// get their own independent phase, epoch, barrier, grey log, and free
// lists rather than observing one shared cycle (see DESIGN.md's
// open-question recap and SPEC_FULL.md's §1 implementation-scope note).
package control

import (
	"go.uber.org/atomic"

	"github.com/greatmazinger/mpgc/barrier"
)

// Phase is the collector's current position in the Idle->Marking->Sweeping
// loop (C7).
type Phase uint8

const (
	Idle Phase = iota
	Marking
	Sweeping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Marking:
		return "marking"
	case Sweeping:
		return "sweeping"
	default:
		return "invalid"
	}
}

// ControlBlock is the process-local handle onto heap-wide state. Base and
// Length are necessarily process-local (the same shared bytes are mapped
// at a different address in every process); phase, epoch, the grey log,
// and the free lists are constructed fresh per process by New rather than
// resolved from shared bytes, so they describe only this process's view,
// not state genuinely shared across attached processes. They are still
// touched exclusively through atomic/lock-free operations, since a single
// process's mutator and collector goroutines race on them concurrently
// regardless.
type ControlBlock struct {
	Base   uintptr
	Length int

	phase atomic.Uint32
	epoch atomic.Uint32

	Barrier   *barrier.Barrier
	GreyLog   *GreyLog
	FreeLists *FreeListSet
}

// New constructs a control block over a mapped segment of the given base
// and length, starting Idle at epoch 0.
func New(base uintptr, length int, sizeClasses []int) *ControlBlock {
	cb := &ControlBlock{
		Base:      base,
		Length:    length,
		Barrier:   barrier.New(),
		GreyLog:   NewGreyLog(),
		FreeLists: NewFreeListSet(sizeClasses),
	}
	cb.phase.Store(uint32(Idle))
	return cb
}

func (cb *ControlBlock) Phase() Phase {
	return Phase(cb.phase.Load())
}

func (cb *ControlBlock) SetPhase(p Phase) {
	cb.phase.Store(uint32(p))
}

// Epoch is the monotone 32-bit counter incremented at every Marking entry.
// Object headers store only its low 8 bits (see Generation), so generation
// stamps wrap every 256 epochs.
func (cb *ControlBlock) Epoch() uint32 {
	return cb.epoch.Load()
}

// Generation returns the current epoch truncated to the 8-bit stamp stored
// in object headers.
func (cb *ControlBlock) Generation() uint8 {
	return uint8(cb.epoch.Load())
}

// AdvanceEpoch increments the epoch, called once per Idle->Marking
// transition inside a sync region.
func (cb *ControlBlock) AdvanceEpoch() uint32 {
	return cb.epoch.Inc()
}
