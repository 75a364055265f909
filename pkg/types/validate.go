package types //nolint:revive // package name is intentional

import (
	"errors"
	"fmt"
)

var validRoles = map[string]struct{}{
	"system":    {},
	"developer": {},
	"user":      {},
	"assistant": {},
	"tool":      {},
	"function":  {},
}

// Validate checks the fields every provider needs. A request that fails
// validation is never dispatched.
func (r *ChatRequest) Validate() error {
	if r == nil {
		return errors.New("request body is required")
	}
	if err := ValidateModelName(r.Model); err != nil {
		return err
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range r.Messages {
		if _, ok := validRoles[m.Role]; !ok {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		if len(m.Content) == 0 && len(m.ToolCalls) == 0 {
			return fmt.Errorf("messages[%d]: content is required", i)
		}
	}
	if r.MaxTokens < 0 {
		return errors.New("max_tokens must not be negative")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return errors.New("top_p must be between 0 and 1")
	}
	return nil
}

// EstimateTokens gives a rough upper bound of the tokens a request will use:
// about four bytes of text per prompt token, plus the completion allowance.
// defaultCompletion is used when MaxTokens is unset.
func (r *ChatRequest) EstimateTokens(defaultCompletion int) int {
	if r == nil {
		return 0
	}
	prompt := 0
	for _, m := range r.Messages {
		prompt += (len(m.Text()) + 3) / 4
	}
	completion := r.MaxTokens
	if completion == 0 {
		completion = defaultCompletion
	}
	return prompt + completion
}
