// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNative(t *testing.T) {
	for _, p := range []string{"openai", "anthropic", "zai", "openai-codex"} {
		assert.True(t, IsNative(p), p)
	}
	for _, p := range []string{"minimax", "ollama", "", "unknown"} {
		assert.False(t, IsNative(p), p)
	}
}

func TestTemplateFor(t *testing.T) {
	_, ok := TemplateFor("anthropic")
	assert.False(t, ok, "native providers have no template")

	tpl, ok := TemplateFor("minimax")
	require.True(t, ok)
	assert.Equal(t, "https://api.minimax.io/anthropic", tpl.BaseURL)
	assert.Equal(t, "anthropic-messages", tpl.API)
	require.Len(t, tpl.Models, 1)
	assert.Equal(t, 200000, tpl.Models[0].ContextWindow)

	// Mutating the copy must not leak into the registry.
	tpl.Models[0].Input[0] = "image"
	again, _ := TemplateFor("minimax")
	assert.Equal(t, "text", again.Models[0].Input[0])
}

func TestResolveTemplate_BaseURLOverride(t *testing.T) {
	tpl, ok := ResolveTemplate("ollama", map[string]any{"baseUrl": " http://ollama:11434/v1 "})
	require.True(t, ok)
	assert.Equal(t, "http://ollama:11434/v1", tpl.BaseURL)

	tpl, ok = ResolveTemplate("ollama", map[string]any{"baseUrl": 42})
	require.True(t, ok)
	assert.Equal(t, "http://localhost:11434/v1", tpl.BaseURL)
}

func TestDefaultModel(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		ok       bool
	}{
		{"anthropic", "anthropic/claude-3-5-sonnet-20241022", true},
		{"openai", "openai/gpt-4-turbo", true},
		{"minimax", "minimax/MiniMax-M2.1", true},
		{"ollama", "ollama/llama3.3", true},
		{"openai-codex", "", false},
		{"nope", "", false},
	}
	for _, tt := range tests {
		got, ok := DefaultModel(tt.provider)
		assert.Equal(t, tt.ok, ok, tt.provider)
		assert.Equal(t, tt.want, got, tt.provider)
	}
}

func TestModelList(t *testing.T) {
	assert.NotEmpty(t, ModelList("anthropic"))
	assert.Equal(t, []ModelRef{{ID: "moonshot-v1-128k", Name: "Moonshot v1 128K"}}, ModelList("moonshot"))
	assert.Nil(t, ModelList("unknown"))
}

func TestProviderOf(t *testing.T) {
	assert.Equal(t, "openrouter", ProviderOf("openrouter/anthropic/claude-3.5-sonnet"))
	assert.Equal(t, "gpt-4", ProviderOf("gpt-4"))
	assert.Equal(t, "", ProviderOf(""))
}
