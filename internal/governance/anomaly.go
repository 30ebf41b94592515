package governance

import (
	"fmt"
	"time"
)

// AnomalySeverity ranks detected anomalies. High and above force a
// transaction into the approval path.
type AnomalySeverity int

const (
	AnomalyLow AnomalySeverity = iota
	AnomalyMedium
	AnomalyHigh
	AnomalyCritical
)

func (s AnomalySeverity) String() string {
	switch s {
	case AnomalyLow:
		return "low"
	case AnomalyMedium:
		return "medium"
	case AnomalyHigh:
		return "high"
	case AnomalyCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AtLeast reports whether the severity meets the given floor.
func (s AnomalySeverity) AtLeast(floor AnomalySeverity) bool {
	return s >= floor
}

// AnomalyKind names the rule that fired.
type AnomalyKind string

const (
	AnomalyAmountSpike AnomalyKind = "amount_spike"
	AnomalyRapidFire   AnomalyKind = "rapid_fire"
	AnomalyDuplicate   AnomalyKind = "duplicate_amount"
)

// Anomaly is a detected irregularity. Anomalies never block on their own.
type Anomaly struct {
	Kind     AnomalyKind     `json:"kind"`
	Severity AnomalySeverity `json:"severity"`
	Detail   string          `json:"detail"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s (%s): %s", a.Kind, a.Severity, a.Detail)
}

// detectAnomaliesLocked runs the anomaly rules against the rolling history.
// Caller holds g.mu.
func (g *Governance) detectAnomaliesLocked(amount float64, now time.Time) []Anomaly {
	var out []Anomaly

	// Amount spike: compare against the rolling mean, severity scaling
	// with the multiplier.
	if len(g.history) > 0 {
		var sum float64
		for _, r := range g.history {
			sum += r.amount
		}
		mean := sum / float64(len(g.history))
		if mean > 0 && amount > 3*mean {
			ratio := amount / mean
			severity := AnomalyMedium
			switch {
			case ratio > 10:
				severity = AnomalyCritical
			case ratio > 5:
				severity = AnomalyHigh
			}
			out = append(out, Anomaly{
				Kind:     AnomalyAmountSpike,
				Severity: severity,
				Detail:   fmt.Sprintf("amount %.2f is %.1fx the rolling mean %.2f", amount, ratio, mean),
			})
		}
	}

	// Rapid fire: too many transactions inside the rapid window.
	cutoff := now.Add(-g.cfg.RapidWindow)
	recent := 0
	for _, r := range g.history {
		if r.at.After(cutoff) {
			recent++
		}
	}
	if recent >= g.cfg.RapidCount {
		out = append(out, Anomaly{
			Kind:     AnomalyRapidFire,
			Severity: AnomalyHigh,
			Detail:   fmt.Sprintf("%d transactions in the last %s", recent, g.cfg.RapidWindow),
		})
	}

	// Duplicate: same amount seen within the last five minutes.
	dupCutoff := now.Add(-5 * time.Minute)
	for _, r := range g.history {
		if r.amount == amount && r.at.After(dupCutoff) {
			out = append(out, Anomaly{
				Kind:     AnomalyDuplicate,
				Severity: AnomalyMedium,
				Detail:   fmt.Sprintf("amount %.2f duplicates a transaction at %s", amount, r.at.Format(time.RFC3339)),
			})
			break
		}
	}

	return out
}
