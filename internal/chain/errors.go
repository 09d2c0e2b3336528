package chain

import (
	"strings"

	"github.com/0xRichardL/vibe-voter/internal/domain"
)

var submitPatterns = []struct {
	code    domain.SubmitCode
	needles []string
}{
	{domain.SubmitDuplicate, []string{"already voted in a similar way", "you have already voted"}},
	{domain.SubmitRateExceeded, []string{"once every 3 seconds", "can only vote once every"}},
	{domain.SubmitCapacityTooSmall, []string{"voting weight is too small", "accumulate more voting power", "does not have enough mana"}},
	{domain.SubmitWindowClosed, []string{"within the last minute before payout", "paid out is forbidden", "cannot vote after payout"}},
	{domain.SubmitNonCanonical, []string{"canonical"}},
}

// ClassifySubmitError maps the free-text error a node returns for a
// rejected vote onto a SubmitCode.
func ClassifySubmitError(message string) domain.SubmitCode {
	msg := strings.ToLower(message)
	for _, p := range submitPatterns {
		for _, n := range p.needles {
			if strings.Contains(msg, n) {
				return p.code
			}
		}
	}
	return domain.SubmitUnknown
}
