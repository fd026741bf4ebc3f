package store

import (
	"strings"
	"time"
)

// Category is the label a user picks for an idea. The zero value means unset.
type Category string

const (
	CategoryBusiness Category = "Business"
	CategoryPersonal Category = "Personal"
	CategoryTech     Category = "Tech"
	CategoryContent  Category = "Content"
	CategoryOther    Category = "Other"
)

// Categories lists the selectable categories in display order.
var Categories = []Category{CategoryBusiness, CategoryPersonal, CategoryTech, CategoryContent, CategoryOther}

// ParseCategory matches a category name case-insensitively.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, true
		}
	}
	return "", false
}

type Idea struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	AuthorID       int64      `json:"author_id"`
	Text           string     `json:"text"`
	Category       Category   `json:"category,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RemindedAt     *time.Time `json:"reminded_at"` // Nullable
}

type Reminder struct {
	ID             int64      `json:"id"`
	IdeaID         int64      `json:"idea_id"`
	ConversationID int64      `json:"conversation_id"`
	RemindAt       time.Time  `json:"remind_at"`
	SentAt         *time.Time `json:"sent_at"` // Write-once
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	ClaimedUntil   *time.Time `json:"claimed_until,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	AbandonedAt    *time.Time `json:"abandoned_at,omitempty"`
}

// DueReminder is a reminder joined with the text of its idea.
type DueReminder struct {
	Reminder
	IdeaText string `json:"idea_text"`
}
