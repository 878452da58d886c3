// Package detection implements the pure decision policy that turns raw
// classifier predictions into a positive or negative detection.
package detection

import (
	"strings"
)

// Prediction is a single species guess from the classifier.
type Prediction struct {
	// Species is the raw identifier, conventionally "Scientific name_Common name".
	Species string
	// Confidence is the classifier probability in [0,1].
	Confidence float64
}

// Result is the outcome of applying the detection policy to one segment.
type Result struct {
	// IsPositive is true only when a target species matched at or above threshold.
	IsPositive bool
	// Confidence of the selected detection, 0 when nothing passed the threshold.
	Confidence float64
	// Species is the raw identifier of the selected detection, empty when absent.
	Species string
	// ScientificName and CommonName are split from Species.
	ScientificName string
	CommonName     string
	// All holds every prediction that passed the threshold, unmodified order.
	All []Prediction
}

// Policy holds the configured detection parameters. The zero value rejects
// everything; construct with New.
type Policy struct {
	threshold float64
	targets   []string // lowercased marker substrings
}

// New creates a detection policy with the given confidence threshold and
// target species markers. Markers are matched case-insensitively as
// substrings of the species identifier.
func New(threshold float64, targets []string) *Policy {
	lowered := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		lowered = append(lowered, strings.ToLower(t))
	}
	return &Policy{threshold: threshold, targets: lowered}
}

// Threshold returns the configured confidence threshold.
func (p *Policy) Threshold() float64 {
	return p.threshold
}

// SetThreshold updates the confidence threshold, clamping to [0,1].
// Takes effect on the next Evaluate call.
func (p *Policy) SetThreshold(threshold float64) {
	p.threshold = min(1.0, max(0.0, threshold))
}

// isTarget reports whether the species identifier matches any configured marker.
func (p *Policy) isTarget(species string) bool {
	lowered := strings.ToLower(species)
	for _, marker := range p.targets {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// Evaluate applies the policy to a raw prediction list. Input order is not
// assumed sorted. Threshold comparison is inclusive, so a threshold of 0
// admits every prediction.
func (p *Policy) Evaluate(predictions []Prediction) Result {
	var result Result

	// Pass 1: threshold filter
	for _, pred := range predictions {
		if pred.Confidence >= p.threshold {
			result.All = append(result.All, pred)
		}
	}

	if len(result.All) == 0 {
		return result
	}

	// Pass 2: prefer a target match; a high-confidence non-target never
	// sets positivity
	var best *Prediction
	var bestTarget *Prediction
	for i := range result.All {
		pred := &result.All[i]
		if best == nil || pred.Confidence > best.Confidence {
			best = pred
		}
		if p.isTarget(pred.Species) {
			if bestTarget == nil || pred.Confidence > bestTarget.Confidence {
				bestTarget = pred
			}
		}
	}

	selected := best
	if bestTarget != nil {
		selected = bestTarget
		result.IsPositive = true
	}

	result.Confidence = selected.Confidence
	result.Species = selected.Species
	result.ScientificName, result.CommonName = SplitSpeciesName(selected.Species)

	return result
}

// SplitSpeciesName splits a "Scientific name_Common name" identifier on the
// first underscore. Identifiers without an underscore yield the whole string
// for both parts.
func SplitSpeciesName(species string) (scientificName, commonName string) {
	if idx := strings.Index(species, "_"); idx >= 0 {
		return species[:idx], species[idx+1:]
	}
	return species, species
}
