package followup

// Check-in wordings, rotated so repeat recipients don't get a copy-paste feel.
var variants = []string{
	"Hey, it's Ash. I was thinking about our conversation and wanted to see how you're doing today. No pressure to reply.",
	"Hi, Ash here. Just checking in after the other day. How have things been?",
	"Hey, it's Ash again. Wanted to say I'm glad we talked, and ask how you've been holding up since.",
}

func variantFor(id int64) (int, string) {
	idx := int(id % int64(len(variants)))
	if idx < 0 {
		idx += len(variants)
	}
	return idx, variants[idx]
}
