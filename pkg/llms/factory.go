package llms

import (
	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// New builds the backend selected by cfg.Provider, instrumented with the
// global tracer and metrics.
func New(cfg config.LLMConfig) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch cfg.Provider {
	case config.LLMProviderOllama, config.LLMProviderHTTP, "":
		backend, err = NewHTTPBackend(cfg)
	case config.LLMProviderOpenAI:
		backend, err = NewOpenAIBackend(cfg)
	case config.LLMProviderAnthropic:
		backend, err = NewAnthropicBackend(cfg)
	case config.LLMProviderGemini:
		backend, err = NewGeminiBackend(cfg)
	default:
		return nil, protocol.NewError(protocol.KindConfiguration, "llms", "new",
			"unsupported provider "+string(cfg.Provider), nil)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(backend), nil
}
