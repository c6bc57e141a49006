package admission

import "strings"

// ProofArtifact carries the structural components of a Groth16 proof as
// produced by the salary-range prover. The gate only inspects the shape;
// cryptographic verification is delegated to a pluggable Verifier.
type ProofArtifact struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol,omitempty"`
}

// ValidateFormat reports whether all required structural sub-components of
// the artifact are present and well-typed. It performs no cryptography and is
// safe to call on untrusted input.
func ValidateFormat(artifact *ProofArtifact) bool {
	if artifact == nil {
		return false
	}
	if len(artifact.PiA) == 0 || len(artifact.PiC) == 0 {
		return false
	}
	if len(artifact.PiB) == 0 {
		return false
	}
	for _, row := range artifact.PiB {
		if len(row) == 0 {
			return false
		}
	}
	return true
}

// ValidateSignals reports whether the public signal sequence is non-empty and
// every entry is a decimal numeric string.
func ValidateSignals(signals []string) bool {
	if len(signals) == 0 {
		return false
	}
	for _, signal := range signals {
		if !numericSignal(signal) {
			return false
		}
	}
	return true
}

func numericSignal(signal string) bool {
	trimmed := strings.TrimSpace(signal)
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
