package session

import (
	"fmt"

	"haven.app/ash/internal/model"
)

const systemPrompt = `You are Ash, a calm and caring peer supporter in an online community.
You are talking privately with a community member who may be going through a hard time.

Guidelines:
- Listen first. Reflect what you hear before offering anything.
- Keep replies short and warm. No lectures, no lists of hotlines unless asked.
- Never diagnose, never promise confidentiality you cannot keep.
- If the member asks for a human, or you believe a human should step in, call the flag_for_human tool.
- If the member wants to stop, or the conversation has reached a natural close, call the end_conversation tool.
- You are not a therapist and you say so if asked.`

// Opening DMs per trigger. The auto-initiated opener acknowledges that Ash is
// reaching out unprompted; the follow-up continuation picks up an existing
// thread instead of starting cold.
func openingMessage(trigger model.SessionTrigger) string {
	switch trigger {
	case model.TriggerFollowup:
		return "Thanks for writing back. I'm still here, how have things been since we last talked?"
	case model.TriggerManual:
		return "Hey, it's Ash. One of the team thought it might help if I checked in with you. How are you doing right now? (You can say \"stop\" at any time and I'll leave you be.)"
	default:
		return "Hey, it's Ash from the community. I saw your message earlier and wanted to check in privately. How are you holding up? (You can say \"stop\" at any time and I'll leave you be.)"
	}
}

const (
	idleClosingMessage = "I'll step away for now so I'm not crowding you. I'm around if you want to pick this back up anytime. Take care of yourself."
	maxClosingMessage  = "We've been talking a while, so I'm going to wrap up here. Thank you for trusting me with this. The team is always around if you need someone."
	handoffMessage     = "A member of our care team is here now, so I'll step back and let you two talk. Wishing you well."
	optOutMessage      = "Understood, I won't message you again. If you ever change your mind, the team is here."
	fallbackReply      = "I'm here and listening. Tell me more about what's going on, if you'd like."
)

func farewellFor(reason model.EndReason) string {
	switch reason {
	case model.EndReasonMaxDuration:
		return maxClosingMessage
	case model.EndReasonHandedOff:
		return handoffMessage
	case model.EndReasonOptedOut:
		return optOutMessage
	default:
		return idleClosingMessage
	}
}

// endConversationArgs are the end_conversation tool parameters.
type endConversationArgs struct {
	Reason string `json:"reason" jsonschema:"enum=user_requested,enum=natural_close,description=Why the conversation is ending"`
}

// flagForHumanArgs are the flag_for_human tool parameters.
type flagForHumanArgs struct {
	Reason string `json:"reason" jsonschema:"description=Short note for the responder picking this up"`
}

func handoffAlertText(userID, reason string) string {
	return fmt.Sprintf("Ash flagged its conversation with <@%s> for human attention: %s", userID, reason)
}
