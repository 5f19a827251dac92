package letters

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what happens to the remaining pairs of an entry
// once one of them fails.
type FailurePolicy string

const (
	// AbortOnFirstError stops at the first failed pair. Letters already
	// written stay on disk and in the document table.
	AbortOnFirstError FailurePolicy = "abort"
	// ContinueOnError renders every pair and reports all failures together.
	ContinueOnError FailurePolicy = "continue"
)

// ParseFailurePolicy accepts "abort" and "continue"; blank means abort.
func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(AbortOnFirstError), "abortonfirsterror":
		return AbortOnFirstError, nil
	case string(ContinueOnError), "continueonerror":
		return ContinueOnError, nil
	default:
		return "", fmt.Errorf("letters: unknown failure policy %q", raw)
	}
}
