package pipeline

import (
	"strings"

	"github.com/avela/mailflow/internal/provider"
)

// Default category keyword rules, applied in order after the account's own
// category list. First match wins.
var defaultCategoryRules = []struct {
	category string
	keywords []string
}{
	{"urgent", []string{"urgent", "asap", "immediately", "critical"}},
	{"billing", []string{"invoice", "payment", "receipt", "billing", "subscription"}},
	{"scheduling", []string{"meeting", "calendar", "appointment", "schedule", "invite"}},
	{"support", []string{"support", "help", "issue", "problem", "error", "bug"}},
	{"newsletter", []string{"newsletter", "unsubscribe", "weekly digest", "promotion"}},
}

var positiveWords = []string{
	"thanks", "thank you", "great", "awesome", "appreciate", "happy",
	"excellent", "love", "wonderful", "perfect", "pleased",
}

var negativeWords = []string{
	"disappointed", "unacceptable", "angry", "terrible", "refund",
	"complaint", "frustrated", "awful", "worst", "cancel", "broken",
}

// categorize picks a category for an inbound message. The account's own
// ordered category list takes precedence over the default rules.
func categorize(msg *provider.Message, accountCategories []string) string {
	haystack := strings.ToLower(msg.Subject + " " + msg.PlainBody + " " + msg.From)

	for _, category := range accountCategories {
		needle := strings.ToLower(strings.TrimSpace(category))
		if needle == "" {
			continue
		}
		if strings.Contains(haystack, needle) {
			return category
		}
	}

	for _, rule := range defaultCategoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.category
			}
		}
	}

	return "general"
}

// analyzeSentiment scores the message body against small positive and
// negative word lists. Crude, but stable and cheap.
func analyzeSentiment(msg *provider.Message) string {
	text := strings.ToLower(msg.Subject + " " + msg.PlainBody)

	var score int
	for _, w := range positiveWords {
		score += strings.Count(text, w)
	}
	for _, w := range negativeWords {
		score -= strings.Count(text, w)
	}

	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}
