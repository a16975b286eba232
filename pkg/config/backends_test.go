package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     BackendConfig
		wantErr string
	}{
		{
			name: "valid anthropic",
			cfg:  BackendConfig{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-x"},
		},
		{
			name: "valid openai",
			cfg:  BackendConfig{ID: "fallback", Provider: "openai", APIKey: "sk-x"},
		},
		{
			name:    "missing id",
			cfg:     BackendConfig{Provider: "anthropic", APIKey: "sk-ant-x"},
			wantErr: "id is required",
		},
		{
			name:    "unknown provider",
			cfg:     BackendConfig{ID: "primary", Provider: "cohere", APIKey: "x"},
			wantErr: "provider must be",
		},
		{
			name:    "missing api key",
			cfg:     BackendConfig{ID: "primary", Provider: "openai"},
			wantErr: "api_key is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestBackendConfig_ToStartConfig(t *testing.T) {
	cfg := BackendConfig{
		ID:       "primary",
		Provider: "anthropic",
		APIKey:   "sk-ant-x",
		Host:     "https://proxy.internal",
		Model:    "claude-opus",
	}

	got := cfg.ToStartConfig()

	assert.Equal(t, map[string]any{
		"apiKey": "sk-ant-x",
		"host":   "https://proxy.internal",
		"model":  "claude-opus",
	}, got)
}

func TestConfig_Validate_RejectsDuplicateBackendIDs(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Driver: "sqlite", Database: "x.db"},
		Backends: []BackendConfig{
			{ID: "dup", Provider: "anthropic", APIKey: "a"},
			{ID: "dup", Provider: "openai", APIKey: "b"},
		},
	}
	cfg.SetDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dup")
}

func TestConfig_Validate_RejectsInvalidBackendEntry(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Driver: "sqlite", Database: "x.db"},
		Backends: []BackendConfig{
			{ID: "broken", Provider: "anthropic"},
		},
	}
	cfg.SetDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}
