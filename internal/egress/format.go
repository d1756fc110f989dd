package egress

import "fmt"

// ResubmissionConfirmation is the message posted back to the group after a
// completion signal is recorded.
func ResubmissionConfirmation(unitID string) string {
	return fmt.Sprintf("✅ *Resubmission Recorded*\n\nDrop %s has been marked as resubmitted and will be re-reviewed by the QA team.", unitID)
}

// IncompleteFeedback asks the field team for the outstanding photos on a
// drop. Sent at most once per drop until the tracker entry is reset.
func IncompleteFeedback(unitID string, missingSteps []string) string {
	if len(missingSteps) == 0 {
		return fmt.Sprintf("⚠️ *Photos Incomplete*\n\nDrop %s is missing required QA photos. Please resubmit.", unitID)
	}

	msg := fmt.Sprintf("⚠️ *Photos Incomplete*\n\nDrop %s is missing the following QA photos:\n", unitID)
	for _, step := range missingSteps {
		msg += fmt.Sprintf("  • %s\n", step)
	}
	msg += "\nPlease resubmit the missing photos."
	return msg
}
