package verification

// Verdict is the trust level derived from a finished state's score
type Verdict string

const (
	VerdictPending    Verdict = "pending"
	VerdictTrusted    Verdict = "trusted"
	VerdictAnomalous  Verdict = "anomalous"
	VerdictSuspicious Verdict = "suspicious"
)

// Thresholds convert scores into verdicts. Untrusted must be below
// Suspicious.
type Thresholds struct {
	Suspicious int
	Untrusted  int
}

// DefaultThresholds derives thresholds from the maximum reachable score.
// Small pipelines keep Untrusted below Suspicious and Suspicious above 0.
func DefaultThresholds(maxPoints int) Thresholds {
	if maxPoints <= 0 {
		return Thresholds{}
	}
	t := Thresholds{
		Suspicious: maxPoints * 95 / 100,
		Untrusted:  maxPoints * 50 / 100,
	}
	if t.Suspicious < 1 {
		t.Suspicious = 1
	}
	if t.Untrusted >= t.Suspicious {
		t.Untrusted = t.Suspicious - 1
	}
	return t
}

// Classify returns the verdict for a score. Unfinished states are pending.
func (t Thresholds) Classify(score int, finished bool) Verdict {
	switch {
	case !finished:
		return VerdictPending
	case score >= t.Suspicious:
		return VerdictTrusted
	case score >= t.Untrusted:
		return VerdictAnomalous
	default:
		return VerdictSuspicious
	}
}
