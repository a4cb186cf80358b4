package app

import (
	"strings"

	"careerbot/internal/model"
)

const CounselorPreamble = `You are an experienced career counselor named CareerBot. You provide thoughtful, personalized career advice based on the user's situation, interests, skills, and goals.

Your responsibilities:
- Provide actionable career guidance and advice
- Ask clarifying questions when you need more information
- Be supportive, professional, and encouraging
- Be realistic about career prospects and challenges
- Help with resume advice, interview preparation, career transitions, and professional development
- Suggest specific resources, skills to develop, or next steps when appropriate

Guidelines:
- Keep responses conversational and friendly but professional
- Provide specific, actionable advice rather than generic statements
- If you need more information to give good advice, ask targeted questions
- Be encouraging while being honest about challenges`

const (
	// FallbackText is relayed and stored when generation fails.
	FallbackText = "I'm having trouble connecting to my knowledge base right now. Please try again in a moment, and I'll be happy to help with your career questions!"
	// EmptyReplyText is stored when generation succeeds without producing text.
	EmptyReplyText = "I apologize, but I'm having trouble generating a response right now. Please try again."
)

// AssemblePrompt renders the preamble, the prior transcript and the current
// message into the single prompt sent to the model. prior must already be in
// conversation order.
func AssemblePrompt(preamble string, prior []model.Message, current string) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\nPrevious conversation:\n")
	for i, m := range prior {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(speaker(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	b.WriteString("\n\nCurrent user message: ")
	b.WriteString(current)
	b.WriteString("\n\nPlease respond as CareerBot, the career counselor:")
	return b.String()
}

func speaker(role model.Role) string {
	if role == model.RoleUser {
		return "User"
	}
	return "Assistant"
}
