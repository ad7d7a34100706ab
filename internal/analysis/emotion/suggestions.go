package emotion

// MaxSuggestions caps the follow-up prompts attached to a reply.
const MaxSuggestions = 3

var suggestionsByLabel = map[Label][]string{
	Neutral: {
		"Tell me more about that.",
		"What would you like to talk about next?",
		"How has your day been so far?",
	},
	Happy: {
		"What made today so good?",
		"Want to celebrate this somehow?",
		"Who would you like to share this with?",
	},
	Sad: {
		"Do you want to talk about what happened?",
		"What usually helps you feel a little better?",
		"Would a small distraction help right now?",
	},
	Angry: {
		"What part of it bothers you the most?",
		"Would it help to plan a next step together?",
		"Do you want to vent a bit more first?",
	},
	Excited: {
		"What are you looking forward to most?",
		"How are you going to get ready for it?",
		"Tell me every detail!",
	},
	Tender: {
		"Would you like to slow down and rest for a bit?",
		"What's something small that made you smile lately?",
		"Shall we just chat quietly for a while?",
	},
	Comfort: {
		"Would you like to take a few deep breaths together?",
		"Is there someone you can lean on today?",
		"What do you need most right now?",
	},
	Magnetic: {
		"Which point should we tackle first?",
		"Do you want a short checklist for this?",
		"What deadline are we working with?",
	},
}

// Suggestions returns up to MaxSuggestions follow-up prompts for a reply mood.
func Suggestions(label Label) []string {
	list, ok := suggestionsByLabel[label]
	if !ok {
		list = suggestionsByLabel[Neutral]
	}
	if len(list) > MaxSuggestions {
		list = list[:MaxSuggestions]
	}
	out := make([]string, len(list))
	copy(out, list)
	return out
}
