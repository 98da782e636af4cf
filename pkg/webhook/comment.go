package webhook

import (
	"fmt"
	"math"
	"strings"

	"github.com/riskspot/riskspot/pkg/ingest"
)

// Fallback comment bodies for when the report cannot be produced.
const (
	openFallbackComment = "## Riskspot\n\n" +
		"Sorry, risk scores are not available for this pull request " +
		"yet. The repository may still be processing; scores will show " +
		"up on future pull requests."

	closedConfirmationComment = "## Riskspot\n\n" +
		"Risk records for the changed files have been updated."

	closedFallbackComment = "## Riskspot\n\n" +
		"Sorry, the risk records for this pull request could not be " +
		"updated. They will be refreshed on the next change."
)

// riskReport renders the pull request risk table. Scores are shown
// truncated to two decimals so a 0.999 never reads as a rounded 1.00.
func riskReport(scores []ingest.FileScore) string {
	if len(scores) == 0 {
		return openFallbackComment
	}

	var b strings.Builder

	b.WriteString("## Riskspot risk report\n\n")
	b.WriteString(
		"> Scores range from 0 to 1. Higher means the file has " +
			"historically attracted bug fixes and is more likely to " +
			"need another one.\n\n",
	)
	b.WriteString("| File | Risk score | Predicted risk score |\n")
	b.WriteString("| --- | --- | --- |\n")

	for _, s := range scores {
		fmt.Fprintf(
			&b, "| %s | %s | %s |\n",
			s.FilePath,
			formatScore(s.RiskScore),
			formatScore(s.PredictedRiskScore),
		)
	}

	return b.String()
}

// formatScore truncates a score to two decimal places.
func formatScore(score float64) string {
	return fmt.Sprintf("%.2f", math.Trunc(score*100)/100)
}
