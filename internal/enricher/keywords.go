package enricher

import "github.com/kalambet/tempo/internal/calendar"

// categoryKeywords drive rule classification: a keyword occurring in
// the event text scores one point for its category.
var categoryKeywords = map[calendar.Category][]string{
	calendar.CategoryWork: {
		"meeting", "call", "standup", "review", "sync",
		"presentation", "report", "project", "task", "deadline",
		"planning", "retro", "demo", "interview", "1:1",
	},
	calendar.CategoryStudy: {
		"study", "learning", "course", "lesson", "tutorial",
		"lecture", "webinar", "training", "reading", "practice",
	},
	calendar.CategoryHealth: {
		"gym", "workout", "running", "fitness", "doctor",
		"dentist", "clinic", "checkup", "therapy", "yoga",
		"swim", "sport",
	},
	calendar.CategoryErrands: {
		"shopping", "cleaning", "payment", "bills", "grocery",
		"bank", "documents", "laundry", "repair", "cooking",
	},
	calendar.CategoryFamily: {
		"family", "friends", "birthday", "party", "dinner",
		"parents", "kids", "date", "guests", "anniversary",
	},
	calendar.CategoryCreative: {
		"hobby", "creative", "design", "writing", "art",
		"music", "drawing", "painting", "sketch", "craft",
	},
	calendar.CategoryTravel: {
		"travel", "flight", "trip", "airport", "train",
		"taxi", "transfer", "commute", "business trip", "hotel",
	},
	calendar.CategoryLeisure: {
		"relax", "movie", "restaurant", "game", "entertainment",
		"cinema", "theater", "concert", "cafe", "bar",
	},
	calendar.CategoryRoutine: {
		"morning routine", "evening routine", "meditation", "breakfast",
		"lunch", "sleep", "shower", "self care",
	},
}

// highPriorityKeywords mark an event as high priority outright.
var highPriorityKeywords = []string{
	"urgent", "important", "critical", "deadline", "must",
	"asap", "emergency", "priority",
}
