// Package notify implements the emailer collaborator. Delivery itself is
// handled by external infrastructure; this implementation records what
// would be sent.
package notify

import "github.com/rs/zerolog/log"

// LogEmailer logs notifications instead of delivering them. Notification
// is fire-and-forget everywhere it is used, so there is nothing for
// callers to handle.
type LogEmailer struct{}

func (LogEmailer) NotifyTooManyRunningInstances(emails []string, workflowName string, running, maxAllowed int) {
	log.Warn().
		Strs("emails", emails).
		Str("workflow", workflowName).
		Int("running", running).
		Int("max_allowed", maxAllowed).
		Msg("notify: too many running instances")
}
