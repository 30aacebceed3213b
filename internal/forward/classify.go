package forward

import (
	"encoding/json"
	"net/http"
	"strings"
)

// tokenExpiredType is the AEP error type code that identifies an
// expired access token.
const tokenExpiredType = "EXEG-0503-401"

// expiredTitlePhrases are the error-title substrings that identify an
// expired access token. Matching is case-insensitive.
//
// This matching is intentionally narrow: it mirrors the provider's
// documented error signatures and must not be generalized without
// confirming the provider's actual error contract.
var expiredTitlePhrases = []string{
	"token expired",
	"authorization token expired",
}

// errorBody is the subset of an AEP error response consulted by the
// expiry classifier.
type errorBody struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

// isTokenExpired reports whether a response indicates an expired access
// token. Only a 401 whose body parses as JSON and carries one of the
// known expiry signatures qualifies; anything else falls through to
// generic error handling.
func isTokenExpired(status int, body []byte) bool {
	if status != http.StatusUnauthorized {
		return false
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return false
	}

	if eb.Type == tokenExpiredType {
		return true
	}

	title := strings.ToLower(eb.Title)
	for _, phrase := range expiredTitlePhrases {
		if strings.Contains(title, phrase) {
			return true
		}
	}

	return false
}
