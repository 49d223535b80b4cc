package evaluate

// Severity classifies how urgent an alert is. The string forms are stable
// identifiers consumed by downstream services and must not change.
type Severity int

const (
	Info Severity = iota
	Low
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "Info"
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Critical:
		return "Critical"
	}
	return "Unknown"
}

// Decision is the outcome of evaluating a snapshot against thresholds.
// Hysteresis is set on decisions that fire on entry into a failure
// streak, so callers can mark the aggregate degraded.
type Decision struct {
	ShouldAlert bool
	Type        string
	Severity    Severity
	Message     string
	Tags        map[string]string
	Hysteresis  bool
}

// None is the no-alert decision.
func None() Decision { return Decision{} }

// Alert builds a firing decision.
func Alert(alertType string, sev Severity, message string, tags map[string]string) Decision {
	return Decision{
		ShouldAlert: true,
		Type:        alertType,
		Severity:    sev,
		Message:     message,
		Tags:        tags,
	}
}

// BreachSeverity grades a threshold breach by how far the value is over
// the limit: more than twice the tolerance past the limit is High,
// anything else Medium.
func BreachSeverity(value, limit, tolerance float64) Severity {
	if value-limit > 2*tolerance {
		return High
	}
	return Medium
}

// Breach fires when value exceeds limit, at a severity derived from the
// overshoot.
func Breach(alertType string, value, limit, tolerance float64, message string, tags map[string]string) Decision {
	if value <= limit {
		return None()
	}
	return Alert(alertType, BreachSeverity(value, limit, tolerance), message, tags)
}

// Streak implements consecutive-failure hysteresis: the decision fires
// exactly once per streak, on the crossing into the degraded state.
// alerted is the aggregate's already-alerted-this-streak flag; callers
// set it when the decision fires and clear it on the first success.
func Streak(alertType string, count, limit int, alerted bool, sev Severity, message string, tags map[string]string) Decision {
	if limit <= 0 || count < limit || alerted {
		return None()
	}
	d := Alert(alertType, sev, message, tags)
	d.Hysteresis = true
	return d
}

// Trend compares a recent rate against a longer baseline. change is the
// relative delta (0 when the baseline is zero); the trend is significant
// when |change| exceeds strength.
func Trend(recent, baseline, strength float64) (change float64, direction string, significant bool) {
	if baseline == 0 {
		return 0, "flat", false
	}
	change = (recent - baseline) / baseline
	switch {
	case change > 0:
		direction = "up"
	case change < 0:
		direction = "down"
	default:
		direction = "flat"
	}
	if change < 0 {
		significant = -change > strength
	} else {
		significant = change > strength
	}
	return change, direction, significant
}

// Highest returns the firing decision with the highest severity. When
// several could apply the evaluator always reports the worst one.
func Highest(decisions ...Decision) Decision {
	best := None()
	for _, d := range decisions {
		if !d.ShouldAlert {
			continue
		}
		if !best.ShouldAlert || d.Severity > best.Severity {
			best = d
		}
	}
	return best
}
