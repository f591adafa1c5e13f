package models

// PlanLimits are the quota ceilings for one plan tier. A non-positive limit
// means unlimited.
type PlanLimits struct {
	MonthlyMessages int64
	Documents       int64
	TrialDays       int
}

var defaultLimits = map[PlanTier]PlanLimits{
	PlanFree:       {MonthlyMessages: 50, Documents: 3, TrialDays: 14},
	PlanPro:        {MonthlyMessages: 2000, Documents: 50},
	PlanTeam:       {MonthlyMessages: 10000, Documents: 500},
	PlanEnterprise: {MonthlyMessages: -1, Documents: -1},
	PlanAdmin:      {MonthlyMessages: -1, Documents: -1},
}

// LimitsForPlan returns the quota ceilings for a plan tier. Unknown tiers get
// the free-plan limits.
func LimitsForPlan(plan PlanTier) PlanLimits {
	if l, ok := defaultLimits[plan]; ok {
		return l
	}
	return defaultLimits[PlanFree]
}

// Paid reports whether the plan bills on a calendar cycle rather than a
// fixed-length trial.
func (p PlanTier) Paid() bool {
	switch p {
	case PlanPro, PlanTeam, PlanEnterprise, PlanAdmin:
		return true
	}
	return false
}
