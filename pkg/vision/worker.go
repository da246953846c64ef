package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Worker timeouts per call class. Generation dominates; switches only
// acknowledge and complete asynchronously via heartbeats.
const (
	switchTimeout   = 10 * time.Second
	generateTimeout = 300 * time.Second
	cancelTimeout   = 10 * time.Second
)

// WorkerClient is the scheduler's view of a vision worker's HTTP agent
type WorkerClient interface {
	// SwitchModel asks the worker to load a different model. The call
	// acknowledges quickly; load completion shows up in heartbeats.
	SwitchModel(ctx context.Context, node Node, model string) error

	// Generate runs one image job to completion and returns the
	// worker's response body
	Generate(ctx context.Context, node Node, job *GenerationJob) (json.RawMessage, error)

	// CancelJob forwards a best-effort cancellation for an in-flight job
	CancelJob(ctx context.Context, node Node, jobID string) error
}

// HTTPWorkerClient talks to worker agents over plain HTTP
type HTTPWorkerClient struct {
	client *http.Client
}

// NewHTTPWorkerClient creates a worker client. The shared client has no
// overall timeout; each call bounds itself via context.
func NewHTTPWorkerClient() *HTTPWorkerClient {
	return &HTTPWorkerClient{client: &http.Client{}}
}

func workerURL(node Node, path string) string {
	return fmt.Sprintf("http://%s:%d%s", node.IP, node.Port, path)
}

func (c *HTTPWorkerClient) SwitchModel(ctx context.Context, node Node, model string) error {
	ctx, cancel := context.WithTimeout(ctx, switchTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"model_name": model})
	resp, err := c.post(ctx, workerURL(node, "/models/switch"), body)
	if err != nil {
		return fmt.Errorf("switch request to %s failed: %v", node.NodeID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("switch request to %s returned HTTP %d", node.NodeID, resp.StatusCode)
	}
	return nil
}

func (c *HTTPWorkerClient) Generate(ctx context.Context, node Node, job *GenerationJob) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	payload := map[string]any{
		"job_id": job.ID,
		"prompt": job.Prompt,
		"model":  job.Model,
	}
	if len(job.Params) > 0 {
		payload["params"] = json.RawMessage(job.Params)
	}
	body, _ := json.Marshal(payload)

	resp, err := c.post(ctx, workerURL(node, "/generate"), body)
	if err != nil {
		return nil, fmt.Errorf("generate request to %s failed: %v", node.NodeID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading generate response from %s: %v", node.NodeID, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("generate on %s returned HTTP %d: %s", node.NodeID, resp.StatusCode, truncate(data, 200))
	}
	return data, nil
}

func (c *HTTPWorkerClient) CancelJob(ctx context.Context, node Node, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	resp, err := c.post(ctx, workerURL(node, "/cancel/"+jobID), nil)
	if err != nil {
		return fmt.Errorf("cancel request to %s failed: %v", node.NodeID, err)
	}
	resp.Body.Close()
	return nil
}

func (c *HTTPWorkerClient) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
