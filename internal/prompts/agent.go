package prompts

import "fmt"

// wrapUpTemplate is appended to the system prompt once a turn has used
// most of its function call budget. Format verbs: (1) calls used,
// (2) limit.
const wrapUpTemplate = `## Wrap Up
You have made %d of %d allowed function calls for this request. Make another call only if it is essential. Otherwise answer the user now with what you have.`

// WrapUpNotice returns the soft-throttle notice for a turn that has made
// used of limit function calls.
func WrapUpNotice(used, limit int) string {
	return fmt.Sprintf(wrapUpTemplate, used, limit)
}

// LimitReachedNotice is sent as a final system message when the function
// call limit is reached. The model is asked to answer without tools.
const LimitReachedNotice = "The function call limit for this request has been reached. Do not request any more functions. Answer the user now using the results above."

// LimitReachedFallback is returned when the final text-only call after
// the limit fails.
const LimitReachedFallback = "I completed the maximum number of operations for this request. Review the results above and ask me to continue if more changes are needed."

// EmptyResponseFallback is returned when the model produces neither text
// nor a function call.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// ProviderFailureMessage is the assistant text persisted when the model
// call fails.
func ProviderFailureMessage(err error) string {
	return fmt.Sprintf("I couldn't reach the language model to complete this request (%v). Please try again shortly.", err)
}
