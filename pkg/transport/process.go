package transport

import (
	"context"
	"os"
	"os/exec"
	"sort"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// LocalProcessClient spawns a local command once per request.
type LocalProcessClient struct {
	*rpcClient
	command string
	args    []string
	env     []string
	cwd     string
}

// NewLocalProcessClient fails with a configuration error when no command is set.
func NewLocalProcessClient(name string, cfg config.TransportConfig) (*LocalProcessClient, error) {
	if cfg.Command == "" {
		return nil, protocol.NewError(protocol.KindConfiguration, "transport/"+name, "new", "command is required", nil)
	}

	c := &LocalProcessClient{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		env:     mergeEnv(os.Environ(), cfg.Env),
		cwd:     cfg.Cwd,
	}
	c.rpcClient = newRPCClient(name, KindLocalProcess, c)
	return c, nil
}

func (c *LocalProcessClient) exchange(ctx context.Context, req *request) (*response, error) {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = c.env
	cmd.Dir = c.cwd
	return runEnvelope(ctx, c.component(), cmd, req)
}

// mergeEnv appends overrides after base. exec uses the last value of a
// duplicated key.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

var _ Client = (*LocalProcessClient)(nil)
