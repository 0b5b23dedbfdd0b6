package flow

import "careflow/flow-service/internal/models"

var transitionMap = map[string][]string{
	"approve":    {models.StateWaiting},
	"reschedule": {models.StateWaiting},
	"finalize":   {models.StateInConsultation},
	"escalate":   {models.StateInConsultation},
}

func ValidTransition(action, fromState string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == fromState {
			return true
		}
	}
	return false
}
