// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package catalog is the static registry of providers the gateway knows about.
//
// Native providers are detected by the gateway from its own environment and
// need no entry in models.providers. Custom providers need an explicit endpoint
// template (base URL, API dialect, model list) pushed into the gateway config.
package catalog

import (
	"sort"
	"strings"
)

// Cost is the per-million-token pricing advertised to the gateway.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead,omitempty"`
	CacheWrite float64 `json:"cacheWrite,omitempty"`
}

// Model describes one model exposed by a custom provider.
type Model struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Reasoning     bool     `json:"reasoning"`
	Input         []string `json:"input"`
	Cost          Cost     `json:"cost"`
	ContextWindow int      `json:"contextWindow"`
	MaxTokens     int      `json:"maxTokens"`
}

// Template is the endpoint configuration of a custom provider.
type Template struct {
	BaseURL string  `json:"baseUrl"`
	API     string  `json:"api"`
	Models  []Model `json:"models"`
}

// ModelRef is a selectable model in the UI lists.
type ModelRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var nativeProviders = map[string]struct{}{
	"openai":            {},
	"anthropic":         {},
	"google":            {},
	"openrouter":        {},
	"groq":              {},
	"xai":               {},
	"cerebras":          {},
	"mistral":           {},
	"deepseek":          {},
	"openai-codex":      {},
	"opencode":          {},
	"vercel-ai-gateway": {},
	"zai":               {},
}

var nativeDefaults = map[string]string{
	"openai":            "openai/gpt-4-turbo",
	"anthropic":         "anthropic/claude-3-5-sonnet-20241022",
	"google":            "google/gemini-2.0-flash-exp",
	"openrouter":        "openrouter/anthropic/claude-3.5-sonnet",
	"groq":              "groq/llama-3.3-70b-versatile",
	"xai":               "xai/grok-2-latest",
	"cerebras":          "cerebras/llama-3.3-70b",
	"mistral":           "mistral/mistral-large-latest",
	"deepseek":          "deepseek/deepseek-chat",
	"opencode":          "opencode/claude-opus-4-5",
	"vercel-ai-gateway": "vercel-ai-gateway/anthropic/claude-3.5-sonnet",
	"zai":               "zai/glm-4-plus",
}

var nativeModelLists = map[string][]ModelRef{
	"openai": {
		{ID: "gpt-4o", Name: "GPT-4o (Omni)"},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini"},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo"},
		{ID: "gpt-4", Name: "GPT-4"},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo"},
		{ID: "o1", Name: "o1 (Reasoning)"},
		{ID: "o1-mini", Name: "o1 Mini"},
		{ID: "o3-mini", Name: "o3 Mini"},
	},
	"anthropic": {
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet (Oct 2024)"},
		{ID: "claude-3-5-sonnet-20240620", Name: "Claude 3.5 Sonnet (Jun 2024)"},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus"},
		{ID: "claude-3-sonnet-20240229", Name: "Claude 3 Sonnet"},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku"},
	},
	"google": {
		{ID: "gemini-2.0-flash-exp", Name: "Gemini 2.0 Flash (Experimental)"},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro"},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash"},
		{ID: "gemini-1.0-pro", Name: "Gemini 1.0 Pro"},
	},
	"groq": {
		{ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B"},
		{ID: "llama-3.1-70b-versatile", Name: "Llama 3.1 70B"},
		{ID: "llama-3.1-8b-instant", Name: "Llama 3.1 8B Instant"},
		{ID: "mixtral-8x7b-32768", Name: "Mixtral 8x7B"},
	},
	"xai": {
		{ID: "grok-2-latest", Name: "Grok 2 (Latest)"},
		{ID: "grok-2-1212", Name: "Grok 2 (Dec 2024)"},
		{ID: "grok-beta", Name: "Grok Beta"},
	},
	"mistral": {
		{ID: "mistral-large-latest", Name: "Mistral Large (Latest)"},
		{ID: "mistral-medium-latest", Name: "Mistral Medium (Latest)"},
		{ID: "mistral-small-latest", Name: "Mistral Small (Latest)"},
	},
	"deepseek": {
		{ID: "deepseek-chat", Name: "DeepSeek Chat"},
		{ID: "deepseek-coder", Name: "DeepSeek Coder"},
	},
	"cerebras": {
		{ID: "llama-3.3-70b", Name: "Llama 3.3 70B"},
		{ID: "llama-3.1-70b", Name: "Llama 3.1 70B"},
		{ID: "llama-3.1-8b", Name: "Llama 3.1 8B"},
	},
	"openrouter": {
		{ID: "anthropic/claude-3.5-sonnet", Name: "Claude 3.5 Sonnet"},
		{ID: "openai/gpt-4-turbo", Name: "GPT-4 Turbo"},
		{ID: "google/gemini-pro", Name: "Gemini Pro"},
		{ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B"},
	},
}

var templates = map[string]Template{
	"minimax": {
		BaseURL: "https://api.minimax.io/anthropic",
		API:     "anthropic-messages",
		Models: []Model{{
			ID:            "MiniMax-M2.1",
			Name:          "MiniMax M2.1",
			Input:         []string{"text"},
			Cost:          Cost{Input: 15, Output: 60, CacheRead: 2, CacheWrite: 10},
			ContextWindow: 200000,
			MaxTokens:     8192,
		}},
	},
	"moonshot": {
		BaseURL: "https://api.moonshot.cn/v1",
		API:     "openai-completions",
		Models: []Model{{
			ID:            "moonshot-v1-128k",
			Name:          "Moonshot v1 128K",
			Input:         []string{"text"},
			Cost:          Cost{Input: 0.012, Output: 0.012},
			ContextWindow: 128000,
			MaxTokens:     8192,
		}},
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		API:     "openai-completions",
		Models: []Model{{
			ID:            "llama3.3",
			Name:          "Llama 3.3",
			Input:         []string{"text"},
			Cost:          Cost{Input: 0, Output: 0},
			ContextWindow: 128000,
			MaxTokens:     8192,
		}},
	},
}

// IsNative reports whether the gateway auto-detects the provider.
func IsNative(provider string) bool {
	_, ok := nativeProviders[provider]
	return ok
}

// TemplateFor returns a copy of the endpoint template of a custom provider.
// Native providers and unknown ids have no template.
func TemplateFor(provider string) (Template, bool) {
	if IsNative(provider) {
		return Template{}, false
	}
	tpl, ok := templates[provider]
	if !ok {
		return Template{}, false
	}
	return tpl.clone(), true
}

// ResolveTemplate returns the template for provider with per-credential
// overrides applied. Only metadata["baseUrl"] is honoured, which lets a
// self-hosted Ollama point somewhere other than localhost.
func ResolveTemplate(provider string, metadata map[string]any) (Template, bool) {
	tpl, ok := TemplateFor(provider)
	if !ok {
		return tpl, false
	}
	if raw, found := metadata["baseUrl"]; found {
		if s, isString := raw.(string); isString && strings.TrimSpace(s) != "" {
			tpl.BaseURL = strings.TrimSpace(s)
		}
	}
	return tpl, true
}

// DefaultModel returns the "provider/model" id the gateway should use when
// the provider becomes the default.
func DefaultModel(provider string) (string, bool) {
	if IsNative(provider) {
		m, ok := nativeDefaults[provider]
		return m, ok
	}
	tpl, ok := templates[provider]
	if !ok || len(tpl.Models) == 0 {
		return "", false
	}
	return provider + "/" + tpl.Models[0].ID, true
}

// ModelList returns the selectable models for a provider, without the provider prefix.
func ModelList(provider string) []ModelRef {
	if list, ok := nativeModelLists[provider]; ok {
		out := make([]ModelRef, len(list))
		copy(out, list)
		return out
	}
	if tpl, ok := templates[provider]; ok {
		out := make([]ModelRef, 0, len(tpl.Models))
		for _, m := range tpl.Models {
			out = append(out, ModelRef{ID: m.ID, Name: m.Name})
		}
		return out
	}
	return nil
}

// CustomProviders lists the ids with a template, sorted.
func CustomProviders() []string {
	out := make([]string, 0, len(templates))
	for id := range templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ProviderOf returns the segment before the first "/" of a model id.
func ProviderOf(model string) string {
	provider, _, _ := strings.Cut(strings.TrimSpace(model), "/")
	return provider
}

func (t Template) clone() Template {
	models := make([]Model, len(t.Models))
	for i, m := range t.Models {
		m.Input = append([]string(nil), m.Input...)
		models[i] = m
	}
	t.Models = models
	return t
}
