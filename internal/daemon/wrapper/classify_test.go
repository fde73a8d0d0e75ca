package wrapper

import (
	"testing"
	"time"

	"github.com/grovetools/agentmon/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestClassifyRecentOutputIsProcessing(t *testing.T) {
	// Fresh output always means processing, even if the buffer ends with a
	// prompt signature.
	state := Classify([]byte("$ "), 50*time.Millisecond)
	assert.Equal(t, models.WrapperProcessing, state)
}

func TestClassifyPromptSignatures(t *testing.T) {
	quiet := QuietWindow + 100*time.Millisecond

	tests := []struct {
		name   string
		recent string
		want   models.WrapperState
	}{
		{"shell dollar prompt", "ran command\n$ ", models.WrapperWaitingInput},
		{"angle bracket prompt", "output\n> ", models.WrapperWaitingInput},
		{"fancy arrow prompt", "done\n❯ ", models.WrapperWaitingInput},
		{"question prompt", "Overwrite existing file? ", models.WrapperWaitingInput},
		{"yes no prompt", "Continue? (y/n) ", models.WrapperWaitingInput},
		{"press enter", "Press enter to continue", models.WrapperWaitingInput},
		{"numbered menu", "Pick one:\n❯ 1. first option", models.WrapperWaitingInput},
		{"mid stream output", "compiling package foo\nlinking", models.WrapperProcessing},
		{"empty buffer", "", models.WrapperProcessing},
		{"only blank lines", "\n\n  \n", models.WrapperProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify([]byte(tt.recent), quiet))
		})
	}
}

func TestClassifyStripsANSI(t *testing.T) {
	quiet := QuietWindow + 100*time.Millisecond

	// A styled prompt: bold green "❯ " with a reset sequence.
	styled := "some output\n\x1b[1;32m❯\x1b[0m "
	assert.Equal(t, models.WrapperWaitingInput, Classify([]byte(styled), quiet))

	// Trailing blank lines after the prompt should not hide it.
	trailing := "done\n$ \n\n"
	assert.Equal(t, models.WrapperWaitingInput, Classify([]byte(trailing), quiet))
}
