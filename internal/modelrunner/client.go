// Package modelrunner is the coordinator's client to the model
// orchestrator: it dials a single websocket connection and multiplexes
// "tick" (push latest data to every model) and "predict" (request an
// inference from every model) calls over it, correlating responses by
// request ID the way a bidirectional RPC client must when there is no
// one-request-per-connection guarantee.
//
// Grounded on original_source/coordinator/services/predict.py's
// PredictService._call_models/_tick_models (this is the coordinator side
// of that RPC), and on the teacher's internal/api/websocket.go Hub,
// whose register/unregister/send-channel shape is adapted here from a
// server-side broadcast hub into a client-side request/response
// correlator reading one shared connection.
package modelrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ModelRun is one model's identity as reported by the orchestrator,
// the Go shape of the Python side's model_run object.
type ModelRun struct {
	ModelID            string            `json:"model_id"`
	ModelName          string            `json:"model_name"`
	DeploymentID       string            `json:"deployment_id"`
	Infos              map[string]string `json:"infos"`
}

// PredictResult is one model's response to a predict call.
type PredictResult struct {
	ModelRun    ModelRun       `json:"model_run"`
	Status      string         `json:"status"` // SUCCESS | FAILED | TIMEOUT | ABSENT
	ExecTimeUs  float64        `json:"exec_time_us"`
	Result      map[string]any `json:"result"`
	ErrorReason string         `json:"error_reason,omitempty"`
}

type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Args   any    `json:"args"`
}

type rpcResponse struct {
	ID      string          `json:"id"`
	Results []PredictResult `json:"results"`
	Error   string          `json:"error,omitempty"`
}

// Client is a single-connection RPC client to the model orchestrator.
// One Client serves every concurrent Tick/Predict call from the
// dispatcher; the connection itself is never shared across Clients.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan rpcResponse

	nextID int64

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens the websocket connection to the model orchestrator at url
// (e.g. "ws://model-orchestrator:9091/rpc") and starts its read loop.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("modelrunner: dial %s: %w", url, err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		conn:    conn,
		timeout: timeout,
		pending: map[string]chan rpcResponse{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[modelrunner] malformed response: %v", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
			close(ch)
		}
	}
}

// Close terminates the connection and fails every in-flight call.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()

		c.mu.Lock()
		for id, ch := range c.pending {
			ch <- rpcResponse{ID: id, Error: "modelrunner: connection closed"}
			close(ch)
		}
		c.pending = map[string]chan rpcResponse{}
		c.mu.Unlock()
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, args any) ([]PredictResult, error) {
	id := fmt.Sprintf("%s-%d", method, atomic.AddInt64(&c.nextID, 1))
	respCh := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	req := rpcRequest{ID: id, Method: method, Args: args}
	payload, err := json.Marshal(req)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("modelrunner: encode %s request: %w", method, err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("modelrunner: send %s request: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("modelrunner: %s: %s", method, resp.Error)
		}
		return resp.Results, nil
	case <-callCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("modelrunner: %s: %w", method, callCtx.Err())
	case <-c.closed:
		return nil, fmt.Errorf("modelrunner: %s: connection closed", method)
	}
}

// Tick pushes the latest inference input to every registered model and
// returns the set of models that acknowledged it, so the caller can
// register newly-discovered models.
func (c *Client) Tick(ctx context.Context, inferenceInput map[string]any) ([]ModelRun, error) {
	results, err := c.call(ctx, "tick", inferenceInput)
	if err != nil {
		return nil, err
	}
	runs := make([]ModelRun, 0, len(results))
	for _, r := range results {
		runs = append(runs, r.ModelRun)
	}
	return runs, nil
}

// PredictArgs is the scope passed to every model's predict() call.
type PredictArgs struct {
	Subject        string `json:"subject"`
	HorizonSeconds int    `json:"horizon_seconds"`
	StepSeconds    int    `json:"step_seconds"`
}

// Predict requests an inference from every registered model for the
// given scope and returns one PredictResult per model.
func (c *Client) Predict(ctx context.Context, args PredictArgs) ([]PredictResult, error) {
	return c.call(ctx, "predict", args)
}
