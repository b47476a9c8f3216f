package transit

import (
	"fmt"
	"strings"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentConfirmed IntentStatus = "confirmed"
	IntentCompleted IntentStatus = "completed"
	IntentCancelled IntentStatus = "cancelled"
)

// ParseIntentStatus accepts the lifecycle names plus the legacy "noted"
// spelling of confirmed.
func ParseIntentStatus(s string) (IntentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return IntentPending, nil
	case "confirmed", "noted":
		return IntentConfirmed, nil
	case "completed":
		return IntentCompleted, nil
	case "cancelled", "canceled":
		return IntentCancelled, nil
	}
	return "", Validationf("unknown intent status %q", s)
}

// ParseIntentStatuses parses a comma separated list, dropping duplicates.
func ParseIntentStatuses(s string) ([]IntentStatus, error) {
	var out []IntentStatus
	seen := map[IntentStatus]bool{}
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		st, err := ParseIntentStatus(part)
		if err != nil {
			return nil, err
		}
		if seen[st] {
			continue
		}
		seen[st] = true
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, Validationf("empty intent status list")
	}
	return out, nil
}

type AlertStatus string

const (
	AlertReported   AlertStatus = "reported"
	AlertVerified   AlertStatus = "verified"
	AlertDispatched AlertStatus = "dispatched"
	AlertResolved   AlertStatus = "resolved"
	AlertExpired    AlertStatus = "expired"
)

// Origin tags where an alert came from. It is set at creation and never
// inferred from the notes.
type Origin string

const (
	OriginDeclaredDemand    Origin = "declared-demand"
	OriginPredictedOverflow Origin = "predicted-overflow"
	OriginPassengerReport   Origin = "passenger-report"
)

type Level string

const (
	LevelNormal   Level = "normal"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor maps a head count to a severity level. There is no hysteresis:
// the level is recomputed from the current count every time.
func LevelFor(people int) Level {
	switch {
	case people >= 50:
		return LevelCritical
	case people >= 25:
		return LevelHigh
	case people >= 10:
		return LevelMedium
	default:
		return LevelNormal
	}
}

type Role string

const (
	RolePassenger  Role = "passenger"
	RoleDriver     Role = "driver"
	RoleZonalAdmin Role = "zonal_admin"
	RoleAdmin      Role = "admin"
)

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RolePassenger, RoleDriver, RoleZonalAdmin, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}
