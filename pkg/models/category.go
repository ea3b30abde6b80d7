package models

// Category classification assigned to an email
type Category string

const (
	CategoryInterested    Category = "Interested"
	CategoryMeetingBooked Category = "Meeting Booked"
	CategoryNotInterested Category = "Not Interested"
	CategorySpam          Category = "Spam"
	CategoryOutOfOffice   Category = "Out of Office"

	// CategoryUncategorized is the fallback assigned before (or instead of)
	// classification. Messages keep it when the classifier is unavailable.
	CategoryUncategorized Category = "Uncategorized"
)

// Actionable reports whether the category should trigger outbound notifications
func (c Category) Actionable() bool {
	return c == CategoryInterested
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	switch c {
	case CategoryInterested, CategoryMeetingBooked, CategoryNotInterested,
		CategorySpam, CategoryOutOfOffice, CategoryUncategorized:
		return true
	}
	return false
}
