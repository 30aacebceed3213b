package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue string
		want         string
	}{
		{
			name:         "set variable wins",
			key:          "FORWARDER_TEST_VAR",
			value:        "from-env",
			defaultValue: "fallback",
			want:         "from-env",
		},
		{
			name:         "unset variable falls back",
			key:          "FORWARDER_TEST_UNSET",
			defaultValue: "fallback",
			want:         "fallback",
		},
		{
			name:         "empty value falls back",
			key:          "FORWARDER_TEST_EMPTY",
			value:        "",
			defaultValue: "fallback",
			want:         "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}

			assert.Equal(t, tt.want, getEnvOrDefault(tt.key, tt.defaultValue))
		})
	}
}
