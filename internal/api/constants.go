package api //nolint:revive // package name is intentional

const (
	// DefaultMaxBodySize is the default maximum request body size (10MB).
	// This accommodates large context windows while preventing abuse.
	DefaultMaxBodySize = 10 * 1024 * 1024

	// HeaderProvider names the provider that served the request.
	HeaderProvider = "X-Tiergate-Provider"
	// HeaderAttempts is the number of candidates tried before it.
	HeaderAttempts = "X-Tiergate-Attempts"
)
