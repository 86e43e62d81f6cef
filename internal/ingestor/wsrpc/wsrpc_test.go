package wsrpc

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ipcasj/ethhook/internal/ethevent"
)

// fakeUpstream runs a websocket JSON-RPC server that accepts one
// eth_subscribe and then pushes scripted notifications.
func fakeUpstream(t *testing.T, rejectSubscribe bool, notifications []interface{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe request: %v", err)
			return
		}
		if req.Method != "eth_subscribe" || req.JSONRPC != "2.0" {
			t.Errorf("unexpected subscribe request: %+v", req)
			return
		}

		if rejectSubscribe {
			_ = conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "subscriptions not supported"},
			})
			return
		}
		if err := conn.WriteJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: "0xsub1"}); err != nil {
			return
		}
		for _, notif := range notifications {
			if err := conn.WriteJSON(notif); err != nil {
				return
			}
		}
		// Hold the connection open until the client drops it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func notification(result logResult) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": "0xsub1",
			"result":       result,
		},
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscribeStreamsDecodedLogs(t *testing.T) {
	server := fakeUpstream(t, false, []interface{}{
		notification(logResult{
			Address:         "0xBB",
			Topics:          []string{"0xCC"},
			Data:            "0x1234",
			BlockNumber:     "0x1036640",
			BlockHash:       "0xbh",
			TransactionHash: "0xaa",
			LogIndex:        "0x2",
		}),
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := New(wsURL(server), discardLogger())
	logs, err := sub.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case raw := <-logs:
		want := ethevent.RawLog{
			ChainID:         1,
			BlockNumber:     0x1036640,
			BlockHash:       "0xbh",
			TransactionHash: "0xaa",
			LogIndex:        2,
			ContractAddress: "0xBB",
			Topics:          []string{"0xCC"},
			Data:            "0x1234",
		}
		if raw.ChainID != want.ChainID || raw.BlockNumber != want.BlockNumber ||
			raw.LogIndex != want.LogIndex || raw.ContractAddress != want.ContractAddress {
			t.Fatalf("decoded log mismatch: got %+v, want %+v", raw, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for decoded log")
	}
}

func TestSubscribeSkipsRemovedAndMalformedNotifications(t *testing.T) {
	server := fakeUpstream(t, false, []interface{}{
		notification(logResult{ // reorged out, must be dropped
			BlockNumber: "0x1", LogIndex: "0x0", BlockHash: "0xdead", TransactionHash: "0xdead",
			Removed: true,
		}),
		notification(logResult{ // unparsable block number, must be dropped
			BlockNumber: "0xzz", LogIndex: "0x0", BlockHash: "0xbad", TransactionHash: "0xbad",
		}),
		notification(logResult{
			BlockNumber: "0x2", LogIndex: "0x1", BlockHash: "0xgoodbh", TransactionHash: "0xgoodtx",
		}),
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := New(wsURL(server), discardLogger())
	logs, err := sub.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case raw := <-logs:
		if raw.TransactionHash != "0xgoodtx" {
			t.Fatalf("expected only the well-formed live log, got %+v", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the surviving log")
	}
}

func TestSubscribeReturnsErrorOnRejectedSubscription(t *testing.T) {
	server := fakeUpstream(t, true, nil)
	defer server.Close()

	sub := New(wsURL(server), discardLogger())
	if _, err := sub.Subscribe(context.Background(), 1); err == nil {
		t.Fatalf("expected error for a rejected eth_subscribe")
	}
}

func TestSubscribeClosesChannelWhenContextCancelled(t *testing.T) {
	server := fakeUpstream(t, false, nil)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := New(wsURL(server), discardLogger())
	logs, err := sub.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()
	select {
	case _, ok := <-logs:
		if ok {
			t.Fatalf("expected channel close, got a log")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close after cancel")
	}
}

func TestParseHexUint64(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x0", 0, false},
		{"0x10", 16, false},
		{"0x1036640", 0x1036640, false},
		{"", 0, false},
		{"0x", 0, false},
		{"0xzz", 0, true},
	}
	for _, c := range cases {
		got, err := parseHexUint64(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("parseHexUint64(%q): err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
		if err == nil && got != c.want {
			t.Fatalf("parseHexUint64(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
