package enginectl

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
)

// confirmApproval prompts the operator before approving a pending-approval
// Run, gating the irreversible transition behind an interactive
// survey.Confirm rather than a bare flag.
func confirmApproval(runID string) (bool, error) {
	var confirmed bool
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("Approve run %s and let it start running?", runID),
		Default: false,
	}
	if err := survey.AskOne(prompt, &confirmed); err != nil {
		return false, err
	}
	return confirmed, nil
}
