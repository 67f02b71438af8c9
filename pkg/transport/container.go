package transport

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// ContainerExecClient runs the server entrypoint inside a running container
// once per request.
type ContainerExecClient struct {
	*rpcClient
	image        string
	entrypoint   string
	dockerBinary string

	mu          sync.Mutex
	containerID string
}

func NewContainerExecClient(name string, cfg config.TransportConfig) (*ContainerExecClient, error) {
	if cfg.ContainerID == "" && cfg.Image == "" {
		return nil, protocol.NewError(protocol.KindConfiguration, "transport/"+name, "new",
			"container_id or image is required", nil)
	}

	c := &ContainerExecClient{
		image:        cfg.Image,
		entrypoint:   cfg.Entrypoint,
		dockerBinary: cfg.DockerBinary,
		containerID:  cfg.ContainerID,
	}
	if c.entrypoint == "" {
		c.entrypoint = config.DefaultEntrypoint
	}
	if c.dockerBinary == "" {
		c.dockerBinary = config.DefaultDockerBinary
	}
	c.rpcClient = newRPCClient(name, KindContainerExec, c)
	return c, nil
}

// ContainerID returns the target container, resolving it by image when it
// was not configured.
func (c *ContainerExecClient) ContainerID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.containerID != "" {
		return c.containerID, nil
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.dockerBinary, "ps", "--filter", "ancestor="+c.image, "--format", "{{.ID}}")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", protocol.NewError(protocol.KindConnection, c.component(), "resolve_container",
			strings.TrimSpace("container lookup failed: "+stderr.String()), err)
	}

	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			c.containerID = id
			slog.Info("Resolved tool server container", "server", c.name, "image", c.image, "container", id)
			return id, nil
		}
	}
	return "", protocol.NewError(protocol.KindConnection, c.component(), "resolve_container",
		"no running container for image "+c.image, nil)
}

func (c *ContainerExecClient) exchange(ctx context.Context, req *request) (*response, error) {
	id, err := c.ContainerID(ctx)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.dockerBinary, "exec", "-i", id, "sh", "-c", c.entrypoint)
	return runEnvelope(ctx, c.component(), cmd, req)
}

var _ Client = (*ContainerExecClient)(nil)
