package modelrunner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientTickReturnsRegisteredModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Method != "tick" {
			t.Errorf("expected tick method, got %s", req.Method)
		}

		resp := rpcResponse{
			ID: req.ID,
			Results: []PredictResult{
				{ModelRun: ModelRun{ModelID: "m1", ModelName: "Model One"}, Status: "SUCCESS"},
				{ModelRun: ModelRun{ModelID: "m2", ModelName: "Model Two"}, Status: "SUCCESS"},
			},
		}
		payload, _ := json.Marshal(resp)
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			t.Errorf("write response: %v", err)
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(server), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	runs, err := client.Tick(ctx, map[string]any{"close": 100.0})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 model runs, got %d", len(runs))
	}
	if runs[0].ModelID != "m1" || runs[1].ModelID != "m2" {
		t.Fatalf("expected m1 then m2, got %+v", runs)
	}
}

func TestClientPredictReturnsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req.Method != "predict" {
			t.Errorf("expected predict method, got %s", req.Method)
		}

		resp := rpcResponse{
			ID: req.ID,
			Results: []PredictResult{
				{ModelRun: ModelRun{ModelID: "m1"}, Status: "SUCCESS", Result: map[string]any{"p_up": 0.7}},
			},
		}
		payload, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, payload)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(server), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	results, err := client.Predict(ctx, PredictArgs{Subject: "BTC", HorizonSeconds: 60, StepSeconds: 15})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(results) != 1 || results[0].ModelRun.ModelID != "m1" {
		t.Fatalf("expected 1 result for m1, got %+v", results)
	}
	if results[0].Result["p_up"] != 0.7 {
		t.Fatalf("expected p_up 0.7, got %v", results[0].Result["p_up"])
	}
}

func TestClientCallReturnsErrorFromServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		json.Unmarshal(msg, &req)

		resp := rpcResponse{ID: req.ID, Error: "orchestrator unavailable"}
		payload, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, payload)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(server), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Predict(ctx, PredictArgs{Subject: "BTC"}); err == nil {
		t.Fatal("expected error propagated from server response")
	}
}

func TestClientCallTimesOutWhenServerNeverResponds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(server), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Predict(ctx, PredictArgs{Subject: "BTC"}); err == nil {
		t.Fatal("expected timeout error when server never responds")
	}
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	blockCh := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-blockCh
	}))
	defer server.Close()
	defer close(blockCh)

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(server), 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Predict(ctx, PredictArgs{Subject: "BTC"})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending call to fail after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pending call to fail")
	}
}

func TestClientDoubleCloseIsSafe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client, err := Dial(ctx, wsURL(server), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}
