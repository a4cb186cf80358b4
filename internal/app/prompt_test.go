package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"careerbot/internal/model"
)

func TestAssemblePromptLayout(t *testing.T) {
	prior := []model.Message{
		{Role: model.RoleUser, Content: "I want to switch to data science."},
		{Role: model.RoleAssistant, Content: "What is your background?"},
	}

	got := AssemblePrompt("PREAMBLE", prior, "Mostly Excel and SQL.")

	want := "PREAMBLE\n\nPrevious conversation:\n" +
		"User: I want to switch to data science.\n" +
		"Assistant: What is your background?\n\n" +
		"Current user message: Mostly Excel and SQL.\n\n" +
		"Please respond as CareerBot, the career counselor:"
	assert.Equal(t, want, got)
}

func TestAssemblePromptWithoutHistory(t *testing.T) {
	got := AssemblePrompt(CounselorPreamble, nil, "Hello")

	assert.True(t, strings.HasPrefix(got, CounselorPreamble))
	assert.Contains(t, got, "Previous conversation:\n\n\nCurrent user message: Hello")
	assert.True(t, strings.HasSuffix(got, "Please respond as CareerBot, the career counselor:"))
}

func TestAssemblePromptIsDeterministic(t *testing.T) {
	prior := []model.Message{{Role: model.RoleUser, Content: "a"}, {Role: model.RoleAssistant, Content: "b"}}
	assert.Equal(t, AssemblePrompt("p", prior, "c"), AssemblePrompt("p", prior, "c"))
}
