// Package mpgcdiag provides structured logging and a non-authoritative
// integrity checksum for diagnosing a heap from outside the collector's
// own invariants — nothing here participates in correctness.
package mpgcdiag

import (
	"encoding/hex"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// NewLogger builds the sugared logger every mpgc component logs through.
// Production embedders get zap's default JSON production config;
// development builds can pass NewDevelopment-style options through opts.
func NewLogger(development bool, opts ...zap.Option) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build(opts...)
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Checksum computes a blake2b-256 digest of a segment's bytes, for
// spotting an unexpectedly corrupted mapping in logs or a debug dump. It
// is diagnostic only: the collector never consults it, and a mismatch
// means "something to investigate," not a detected-and-handled fault.
func Checksum(segment []byte) string {
	sum := blake2b.Sum256(segment)
	return hex.EncodeToString(sum[:])
}

// Snapshot is the small set of counters a diagnostics sidecar logs each
// collection cycle.
type Snapshot struct {
	Epoch        uint32
	Phase        string
	GreyLogLen   int64
	LiveEstimate int64
}

// LogCycle emits one structured log line summarizing a completed
// Marking/Sweeping cycle.
func LogCycle(log *zap.SugaredLogger, s Snapshot) {
	log.Infow("mpgc collection cycle",
		"epoch", s.Epoch,
		"phase", s.Phase,
		"grey_log_len", s.GreyLogLen,
		"live_estimate", s.LiveEstimate,
	)
}
