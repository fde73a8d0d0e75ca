package wrapper

import (
	"bytes"
	"regexp"
	"time"

	"github.com/grovetools/agentmon/pkg/models"
)

// QuietWindow is how long a session must be silent before its recent output
// is examined for a prompt signature. Fresh output always means processing.
const QuietWindow = 400 * time.Millisecond

// promptPatterns match the final line of output when an interactive agent is
// sitting at a prompt. The list is tuned against recorded transcripts of
// common agent CLIs; matching is best effort.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[>❯$%#] ?$`),
	regexp.MustCompile(`\?$`),
	regexp.MustCompile(`(?i)\((y/n|yes/no)\)\??\s*$`),
	regexp.MustCompile(`(?i)press enter to continue`),
	regexp.MustCompile(`(?i)waiting for (your )?input`),
	regexp.MustCompile(`❯\s+\d+\.`), // numbered selection menu
}

// Classify guesses a session's state from its recent output buffer and the
// time since the last output chunk. The guess is advisory: absence of
// activity combined with a known prompt signature implies waiting_input, any
// recent output implies processing. Callers must never treat the result as
// authoritative.
func Classify(recent []byte, sinceOutput time.Duration) models.WrapperState {
	if sinceOutput < QuietWindow {
		return models.WrapperProcessing
	}

	line := lastNonEmptyLine(recent)
	if len(line) == 0 {
		return models.WrapperProcessing
	}
	for _, re := range promptPatterns {
		if re.Match(line) {
			return models.WrapperWaitingInput
		}
	}
	return models.WrapperProcessing
}

// lastNonEmptyLine returns the trailing non-blank line of buf with ANSI
// escape sequences stripped, since prompt signatures are usually styled.
func lastNonEmptyLine(buf []byte) []byte {
	lines := bytes.Split(buf, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimRight(stripANSI(lines[i]), " \t\r")
		if len(line) > 0 {
			return line
		}
	}
	return nil
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

func stripANSI(b []byte) []byte {
	return ansiPattern.ReplaceAll(b, nil)
}
