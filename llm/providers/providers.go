// Package providers registers the built-in backend adapters.
package providers

import (
	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/llm/providers/anthropic"
	"github.com/BaSui01/cardflow/llm/providers/openaicompat"
)

// Built-in backend ids.
const (
	BackendOpenAI           = "openai"
	BackendOpenAICompatible = "openai-compatible"
	BackendAnthropic        = anthropic.Backend
)

// RegisterBuiltins installs every built-in adapter factory into r.
func RegisterBuiltins(r *llm.Registry) {
	r.Register(BackendOpenAI, openaicompat.NewFactory(openaicompat.OpenAIDefaults))
	r.Register(BackendOpenAICompatible, openaicompat.NewFactory(openaicompat.CompatibleDefaults))
	r.Register(BackendAnthropic, anthropic.Factory)
}
