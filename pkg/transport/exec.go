package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// runEnvelope writes req to the command's stdin, waits for it to exit and
// picks the matching envelope from stdout. Lines that are not JSON objects
// (logs, banners) are ignored.
func runEnvelope(ctx context.Context, component string, cmd *exec.Cmd, req *request) (*response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, component, req.Method, "failed to marshal request", err)
	}
	payload = append(payload, '\n')

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	resp, found := matchLine(stdout.Bytes(), req.ID)
	if resp != nil {
		return resp, nil
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, protocol.FromContext(ctx, component, req.Method, ctx.Err(), protocol.KindConnection)
		}
		msg := "process failed"
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			msg = fmt.Sprintf("process exited with status %d", exitErr.ExitCode())
		}
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			msg += ": " + detail
		}
		return nil, protocol.NewError(protocol.KindConnection, component, req.Method, msg, runErr)
	}

	if found {
		return nil, protocol.NewError(protocol.KindProtocol, component, req.Method,
			fmt.Sprintf("no response with id %d on stdout", req.ID), nil)
	}
	return nil, protocol.NewError(protocol.KindProtocol, component, req.Method,
		"no JSON response on stdout", nil)
}
