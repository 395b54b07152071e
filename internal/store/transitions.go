package store

import "qpro/queue-engine/internal/models"

const (
	ActionPromote  = "promote"
	ActionComplete = "complete"
	ActionSkip     = "skip"
)

var transitionMap = map[string]struct {
	from []string
	to   string
}{
	ActionPromote:  {from: []string{models.StatusWaiting}, to: models.StatusServing},
	ActionComplete: {from: []string{models.StatusServing}, to: models.StatusServed},
	ActionSkip:     {from: []string{models.StatusServing}, to: models.StatusSkipped},
}

func ValidTransition(action, fromStatus string) bool {
	rule, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range rule.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status an action moves a token into.
func TargetStatus(action string) (string, bool) {
	rule, ok := transitionMap[action]
	if !ok {
		return "", false
	}
	return rule.to, true
}

// ActionFor finds the action that moves a token from one status to another.
func ActionFor(fromStatus, toStatus string) (string, bool) {
	for action, rule := range transitionMap {
		if rule.to != toStatus {
			continue
		}
		if ValidTransition(action, fromStatus) {
			return action, true
		}
	}
	return "", false
}
