package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrRejected is returned when the proof fails structural or
	// cryptographic validation. No stream may be funded past a rejection.
	ErrRejected = errors.New("admission: proof rejected")
	// ErrVerifierUnavailable is returned when no cryptographic verifier is
	// configured or the configured verifier cannot be reached. A missing
	// verifier is always an explicit rejection, never a default accept.
	ErrVerifierUnavailable = errors.New("admission: verifier unavailable")
)

// Verifier performs the final cryptographic admit/reject decision on a
// structurally valid proof. Production deployments plug in a real proof
// system; the gate itself never assumes validity.
type Verifier interface {
	Verify(ctx context.Context, artifact *ProofArtifact, signals []string) (bool, error)
}

// Result captures the binary admission outcome together with a deterministic
// audit fingerprint of the verified material.
type Result struct {
	Valid      bool
	Commitment [32]byte
}

// Gate wires structural proof validation with a delegated cryptographic
// verifier. Admission is binary: there are no partial trust tiers.
type Gate struct {
	verifier Verifier
	logger   *slog.Logger
}

// NewGate constructs an admission gate backed by the supplied verifier. A nil
// logger falls back to the process default.
func NewGate(verifier Verifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{verifier: verifier, logger: logger}
}

// Verify runs the fail-fast structural checks, then delegates the final
// decision to the configured verifier. The commitment hash is computed over
// the canonical JSON encoding of the (artifact, signals) pair so identical
// submissions always fingerprint identically.
func (g *Gate) Verify(ctx context.Context, artifact *ProofArtifact, signals []string) (Result, error) {
	if !ValidateFormat(artifact) {
		g.logger.Warn("admission proof rejected", "reason", "malformed artifact")
		return Result{}, fmt.Errorf("%w: malformed artifact", ErrRejected)
	}
	if !ValidateSignals(signals) {
		g.logger.Warn("admission proof rejected", "reason", "invalid public signals")
		return Result{}, fmt.Errorf("%w: invalid public signals", ErrRejected)
	}
	commitment, err := Commitment(artifact, signals)
	if err != nil {
		return Result{}, fmt.Errorf("admission: fingerprint proof: %w", err)
	}
	if g.verifier == nil {
		g.logger.Error("admission proof rejected", "reason", "verifier unavailable")
		return Result{}, ErrVerifierUnavailable
	}
	valid, err := g.verifier.Verify(ctx, artifact, signals)
	if err != nil {
		g.logger.Error("admission proof rejected", "reason", "verifier error", "err", err)
		return Result{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	if !valid {
		g.logger.Warn("admission proof rejected", "reason", "cryptographic verification failed")
		return Result{}, fmt.Errorf("%w: verification failed", ErrRejected)
	}
	return Result{Valid: true, Commitment: commitment}, nil
}

// Commitment returns the keccak256 content hash of the canonical JSON
// encoding of the artifact and its public signals.
func Commitment(artifact *ProofArtifact, signals []string) ([32]byte, error) {
	var commitment [32]byte
	payload := struct {
		Artifact *ProofArtifact `json:"artifact"`
		Signals  []string       `json:"signals"`
	}{Artifact: artifact, Signals: signals}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return commitment, err
	}
	copy(commitment[:], ethcrypto.Keccak256(encoded))
	return commitment, nil
}

// StaticVerifier returns a fixed outcome and is intended for tests and local
// development environments without a proving stack.
type StaticVerifier struct {
	Valid bool
	Err   error
}

// Verify implements the Verifier interface.
func (v StaticVerifier) Verify(context.Context, *ProofArtifact, []string) (bool, error) {
	return v.Valid, v.Err
}
