package types //nolint:revive // package name is intentional

import (
	"fmt"
	"strings"
)

// MaxModelNameLength bounds the requested model name. Model names end up in
// metric labels and Redis keys.
const MaxModelNameLength = 256

// ValidateModelName rejects blank and oversized model names.
func ValidateModelName(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model is required")
	}
	if len(model) > MaxModelNameLength {
		return fmt.Errorf("model is too long (max %d characters)", MaxModelNameLength)
	}
	return nil
}
