package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/tiergate/pkg/provider"
)

func TestBuiltinsRegistered(t *testing.T) {
	for _, info := range Presets {
		_, ok := Get(info.Name)
		assert.True(t, ok, info.Name)
	}
	assert.GreaterOrEqual(t, len(List()), len(Presets))
}

func TestCreate(t *testing.T) {
	a, err := Create(provider.Config{Name: "groq-free", Type: "groq", APIKey: "gsk"})
	require.NoError(t, err)
	assert.Equal(t, "groq", a.Name())
}

func TestCreate_UnknownType(t *testing.T) {
	_, err := Create(provider.Config{Name: "x", Type: "telepathy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider type")
}

func TestCreate_CompatibleNeedsBaseURL(t *testing.T) {
	_, err := Create(provider.Config{Name: "vllm", Type: "openai_compatible"})
	require.Error(t, err)

	a, err := Create(provider.Config{Name: "vllm", Type: "openai_compatible", BaseURL: "https://llm.example.com/v1"})
	require.NoError(t, err)
	assert.Equal(t, "openai_compatible", a.Name())
}

func TestRegister_Custom(t *testing.T) {
	Register("custom-test", func(cfg provider.Config) (provider.Adapter, error) {
		return Create(provider.Config{Name: cfg.Name, Type: "openai"})
	})
	_, ok := Get("custom-test")
	assert.True(t, ok)
}
