// Package llm defines the model client surface the categorization service
// depends on. Concrete clients are the local llama.cpp runtime
// (internal/llm/local) and remote HTTP providers.
package llm

import (
	"context"
	"errors"
	"fmt"

	"aisort/internal/types"
)

// Client is the minimal interface the categorization service calls.
type Client interface {
	// CategorizeFile asks the model for a single "<Category> : <Subcategory>"
	// line describing the entry. hintContext carries the combined whitelist,
	// language, and consistency-hint block.
	CategorizeFile(ctx context.Context, fileName, filePath string, fileType types.FileType, hintContext string) (string, error)

	// CompletePrompt runs a raw completion of up to maxTokens tokens without
	// output sanitation.
	CompletePrompt(ctx context.Context, prompt string, maxTokens int) (string, error)

	// SetPromptLoggingEnabled toggles echoing of prompts and replies for
	// development runs.
	SetPromptLoggingEnabled(enabled bool)
}

// Factory produces a client for one categorization run.
type Factory func() (Client, error)

// RateLimitError signals provider backoff. RetryAfter is the provider's
// suggested wait in seconds; zero or negative means "use the default".
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %ds)", e.RetryAfter)
}

// AsRateLimit unwraps err into a RateLimitError if it carries one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// ErrTimeout is returned when a model call exceeds its wall-clock budget.
var ErrTimeout = errors.New("timed out waiting for LLM response")
