package orchestrator

import "strings"

// Category is a user-facing classification of an agent backend failure. Raw
// backend error detail is never echoed to the user; it may carry credentials
// or connection strings.
type Category string

const (
	CategoryRateLimited Category = "rate_limited"
	CategoryGeneric     Category = "generic"
)

// classifyBackendError maps a backend error onto a Category.
func classifyBackendError(err error) Category {
	if err == nil {
		return CategoryGeneric
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "rate_limit", "429", "overloaded", "too many requests"} {
		if strings.Contains(msg, marker) {
			return CategoryRateLimited
		}
	}
	return CategoryGeneric
}

// userMessage renders the message shown to the user for a Category.
func userMessage(cat Category) string {
	switch cat {
	case CategoryRateLimited:
		return "The agent backend is rate limited right now. Please try again in a few minutes."
	default:
		return "The agent backend hit an error and this request could not be completed."
	}
}
