package events

// Topic constants for domain events emitted by the payout platform.
const (
	TopicSettlementComputed = "settlement.computed"
	TopicSettlementPaid     = "settlement.paid"
	TopicDeductionCreated   = "deduction.created"
	TopicDeductionApplied   = "deduction.applied"
	TopicDeductionCancelled = "deduction.cancelled"
	TopicStatementSent      = "statement.sent"
	TopicStatementViewed    = "statement.viewed"
	TopicStatementRevised   = "statement.revised"
	TopicIncidentResolved   = "incident.resolved"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicSettlementComputed,
		TopicSettlementPaid,
		TopicDeductionCreated,
		TopicDeductionApplied,
		TopicDeductionCancelled,
		TopicStatementSent,
		TopicStatementViewed,
		TopicStatementRevised,
		TopicIncidentResolved,
	}
}
