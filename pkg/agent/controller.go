package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
)

// ControllerClient is the node's channel to the central controller. The
// heartbeat response carries the controller's commands back to the node.
type ControllerClient interface {
	Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error)
}

// HTTPControllerClient talks to the controller over JSON/HTTP.
type HTTPControllerClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPControllerClient creates a client for the controller at addr
// ("host:port").
func NewHTTPControllerClient(addr string, logger *zap.Logger) *HTTPControllerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPControllerClient{
		baseURL: "http://" + addr,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Heartbeat reports node state and returns the controller's commands.
func (c *HTTPControllerClient) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	var resp api.HeartbeatResponse

	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/nodes/heartbeat", bytes.NewReader(body))
	if err != nil {
		return resp, fmt.Errorf("failed to build heartbeat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("heartbeat rejected: unexpected status %s", httpResp.Status)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("failed to decode heartbeat response: %w", err)
	}
	return resp, nil
}
