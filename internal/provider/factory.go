package provider

// AnthropicFactory builds Provider instances backed by the Anthropic
// Messages API.
type AnthropicFactory struct {
	name   string
	apiKey string
}

func NewAnthropicFactory(name, apiKey string) *AnthropicFactory {
	return &AnthropicFactory{name: name, apiKey: apiKey}
}

func (f *AnthropicFactory) Name() string { return f.name }

func (f *AnthropicFactory) Create(model string, opts Options) Provider {
	return NewAnthropic(f.name, f.apiKey, model, opts.Temperature, opts.MaxTokens)
}
