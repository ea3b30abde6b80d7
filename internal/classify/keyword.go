package classify

import (
	"context"
	"strings"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// rule maps a category to its trigger phrases. Rules are evaluated in
// order; "not interested" must win over "interested".
type rule struct {
	category models.Category
	phrases  []string
}

// KeywordClassifier is the deterministic default classifier: a phrase
// lookup over subject and body. It satisfies the same contract as a model
// backed classifier and is what runs when no model endpoint is configured.
type KeywordClassifier struct {
	rules []rule
}

// NewKeywordClassifier creates a classifier with the built-in rule set
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		rules: []rule{
			{models.CategoryOutOfOffice, []string{
				"out of office", "out of the office", "on vacation",
				"automatic reply", "auto-reply", "on annual leave",
				"currently away", "back in the office",
			}},
			{models.CategoryMeetingBooked, []string{
				"meeting confirmed", "meeting scheduled", "invite accepted",
				"has been scheduled", "calendly.com", "booked a meeting",
				"accepted your invitation", "added to your calendar",
			}},
			{models.CategoryNotInterested, []string{
				"not interested", "no longer interested", "please remove me",
				"unsubscribe", "not a good fit", "we went with another",
				"stop emailing", "do not contact",
			}},
			{models.CategorySpam, []string{
				"you have won", "lottery", "claim your prize", "act now",
				"limited time offer", "100% free", "crypto giveaway",
				"wire transfer", "nigerian prince",
			}},
			{models.CategoryInterested, []string{
				"interested", "sounds good", "tell me more", "let's schedule",
				"would love to", "happy to connect", "share more details",
				"let's talk", "send me the details", "looking forward",
			}},
		},
	}
}

// Classify assigns a category from the first matching rule. No match means
// the safe fallback, never an error.
func (c *KeywordClassifier) Classify(ctx context.Context, email *models.Email) (models.Category, error) {
	if err := ctx.Err(); err != nil {
		return models.CategoryUncategorized, err
	}

	text := strings.ToLower(email.Subject + "\n" + email.BodyText)
	for _, r := range c.rules {
		for _, phrase := range r.phrases {
			if strings.Contains(text, phrase) {
				return r.category, nil
			}
		}
	}
	return models.CategoryUncategorized, nil
}
