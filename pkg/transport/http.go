// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/httpclient"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

const defaultHTTPTimeout = 60 * time.Second

// toolRetryStrategy only retries statuses that mean the request was not
// processed. Any other failure may follow a side effect on the tool server.
func toolRetryStrategy(statusCode int) httpclient.RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return httpclient.SmartRetry
	default:
		return httpclient.NoRetry
	}
}

// HTTPClient posts one envelope per request to a tool server URL.
type HTTPClient struct {
	*rpcClient
	url     string
	headers map[string]string
	http    *httpclient.Client
}

// NewHTTPClient builds an HTTP transport. Extra httpclient options are
// appended after the TLS and timeout defaults.
func NewHTTPClient(name string, cfg config.TransportConfig, opts ...httpclient.Option) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, protocol.NewError(protocol.KindConfiguration, "transport/"+name, "new", "url is required", nil)
	}

	hc := &http.Client{Timeout: defaultHTTPTimeout}
	if cfg.InsecureSkipVerify || cfg.CACertificate != "" {
		rt, err := httpclient.ConfigureTLS(&httpclient.TLSConfig{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			CACertificate:      cfg.CACertificate,
		})
		if err != nil {
			return nil, protocol.NewError(protocol.KindConfiguration, "transport/"+name, "new", "invalid tls settings", err)
		}
		hc.Transport = rt
	}

	base := []httpclient.Option{
		httpclient.WithHTTPClient(hc),
		httpclient.WithBaseDelay(500 * time.Millisecond),
		httpclient.WithRetryStrategy(toolRetryStrategy),
	}

	c := &HTTPClient{
		url:     cfg.URL,
		headers: cfg.Headers,
		http:    httpclient.New(append(base, opts...)...),
	}
	c.rpcClient = newRPCClient(name, KindHTTP, c)
	return c, nil
}

func (c *HTTPClient) exchange(ctx context.Context, req *request) (*response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, c.component(), req.Method, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.NewError(protocol.KindConfiguration, c.component(), req.Method, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if httpResp != nil {
			data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			httpResp.Body.Close()
			return nil, protocol.NewError(protocol.KindConnection, c.component(), req.Method,
				fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode, bytes.TrimSpace(data)), err)
		}
		return nil, protocol.NewError(protocol.KindConnection, c.component(), req.Method, "request failed", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, protocol.NewError(protocol.KindConnection, c.component(), req.Method, "failed to read response", err)
	}

	slog.Debug("Tool server HTTP request completed",
		"server", c.name,
		"method", req.Method,
		"status_code", httpResp.StatusCode,
		"content_type", httpResp.Header.Get("Content-Type"))

	resp, err := decodeBody(data)
	if err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, c.component(), req.Method, "invalid response", err)
	}
	return resp, nil
}

var _ Client = (*HTTPClient)(nil)
