package transport

import (
	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// New builds the client selected by cfg.Type.
func New(name string, cfg config.TransportConfig) (Client, error) {
	cfg.SetDefaults()

	switch cfg.Type {
	case config.TransportHTTP:
		return NewHTTPClient(name, cfg)
	case config.TransportContainerExec:
		return NewContainerExecClient(name, cfg)
	case config.TransportLocalProcess:
		return NewLocalProcessClient(name, cfg)
	case config.TransportMCPStdio:
		return NewMCPClient(name, cfg)
	default:
		return nil, protocol.NewError(protocol.KindConfiguration, "transport/"+name, "new",
			"unknown transport type "+string(cfg.Type), nil)
	}
}
