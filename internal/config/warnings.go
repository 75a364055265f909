package config

import "fmt"

// WarningCode identifies a configuration that is valid but probably wrong.
type WarningCode string

const (
	WarningMissingAPIKey    WarningCode = "missing_api_key"
	WarningPricedFreeTier   WarningCode = "priced_free_provider"
	WarningSharedStateLocal WarningCode = "local_state_only"
	WarningAllDisabled      WarningCode = "all_providers_disabled"
)

// Warning is a non-fatal configuration finding.
type Warning struct {
	Code    WarningCode
	Message string
}

// Warnings lists configuration smells that do not prevent startup.
func (c *Config) Warnings() []Warning {
	var out []Warning
	enabled := 0
	for _, p := range c.Providers {
		if p.IsEnabled() {
			enabled++
		}
		if p.APIKey == "" {
			out = append(out, Warning{
				Code:    WarningMissingAPIKey,
				Message: fmt.Sprintf("provider %q has no api_key", p.Name),
			})
		}
		if p.Cost.IsFree() && p.Cost.PerThousandTokens > 0 {
			out = append(out, Warning{
				Code:    WarningPricedFreeTier,
				Message: fmt.Sprintf("provider %q is free but has a price; the price is ignored", p.Name),
			})
		}
	}
	if len(c.Providers) > 0 && enabled == 0 {
		out = append(out, Warning{
			Code:    WarningAllDisabled,
			Message: "every provider is disabled",
		})
	}
	if !c.Redis.Enabled {
		out = append(out, Warning{
			Code:    WarningSharedStateLocal,
			Message: "redis is disabled; health and quota state are not shared between instances",
		})
	}
	return out
}
