package trust

import "time"

// Tier is a progressive-trust level. Higher tiers earn larger daily
// quotas.
type Tier int

const (
	TierNew Tier = iota
	TierFamiliar
	TierEstablished
	TierTrusted
)

func (t Tier) String() string {
	switch t {
	case TierNew:
		return "NEW"
	case TierFamiliar:
		return "FAMILIAR"
	case TierEstablished:
		return "ESTABLISHED"
	case TierTrusted:
		return "TRUSTED"
	default:
		return "UNKNOWN"
	}
}

// DailyLimit returns the number of tasks per day the tier allows.
func (t Tier) DailyLimit() int {
	switch t {
	case TierFamiliar:
		return 25
	case TierEstablished:
		return 50
	case TierTrusted:
		return 100
	default:
		return 10
	}
}

// Profile is the recorded activity of one identity. Tier is not stored
// directly; it is derived at read time, floored by the highest tier the
// profile has ever reached.
type Profile struct {
	FirstSeenAt    time.Time
	LastActivityAt time.Time
	Completions    int
	Failures       int

	// maxTier floors the computed tier so promotions are monotonic.
	maxTier Tier
}

// FailureRate is failures over total observed outcomes.
func (p Profile) FailureRate() float64 {
	total := p.Completions + p.Failures
	if total < 1 {
		total = 1
	}
	return float64(p.Failures) / float64(total)
}

// Tier computes the trust tier from the profile as of now.
func (p Profile) Tier(now time.Time) Tier {
	earned := computeTier(p, now)
	if earned < p.maxTier {
		return p.maxTier
	}
	return earned
}

func computeTier(p Profile, now time.Time) Tier {
	ageDays := now.Sub(p.FirstSeenAt).Hours() / 24
	rate := p.FailureRate()
	switch {
	case ageDays >= 90 && p.Completions >= 50 && rate < 0.10:
		return TierTrusted
	case ageDays >= 30 && p.Completions >= 20 && rate < 0.20:
		return TierEstablished
	case ageDays >= 7 && p.Completions >= 5:
		return TierFamiliar
	default:
		return TierNew
	}
}
