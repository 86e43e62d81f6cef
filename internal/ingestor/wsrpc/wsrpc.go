// EthHook is a multi-tenant webhook delivery platform for EVM chain events.
// Copyright (C) 2025 EthHook Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package wsrpc is the concrete ingestor.ChainSubscriber: a JSON-RPC 2.0
// eth_subscribe("logs") client over a websocket connection.
package wsrpc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ipcasj/ethhook/internal/ethevent"
)

// Subscriber dials a single upstream JSON-RPC websocket endpoint and
// streams eth_subscribe("logs") notifications as ethevent.RawLog values.
type Subscriber struct {
	url             string
	logger          *slog.Logger
	handshakeDelay  time.Duration
	subscribeParams []interface{}
}

// New constructs a Subscriber for the given websocket URL (e.g.
// "wss://mainnet.example.com/ws").
func New(url string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:            url,
		logger:         logger,
		handshakeDelay: 10 * time.Second,
		// An empty filter object subscribes to every log on every
		// contract; the processor's endpoint index narrows from there.
		subscribeParams: []interface{}{"logs", map[string]interface{}{}},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  string    `json:"result"`
	Error   *rpcError `json:"error"`
}

type subscriptionNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription string    `json:"subscription"`
		Result       logResult `json:"result"`
	} `json:"params"`
}

// logResult mirrors the shape of an eth_subscribe("logs") notification:
// every numeric field arrives as a 0x-prefixed hex string.
type logResult struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	BlockHash       string   `json:"blockHash"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

func (r logResult) toRawLog(chainID uint64) (ethevent.RawLog, error) {
	blockNumber, err := parseHexUint64(r.BlockNumber)
	if err != nil {
		return ethevent.RawLog{}, fmt.Errorf("blockNumber %q: %w", r.BlockNumber, err)
	}
	logIndex, err := parseHexUint64(r.LogIndex)
	if err != nil {
		return ethevent.RawLog{}, fmt.Errorf("logIndex %q: %w", r.LogIndex, err)
	}
	return ethevent.RawLog{
		ChainID:         chainID,
		BlockNumber:     blockNumber,
		BlockHash:       r.BlockHash,
		TransactionHash: r.TransactionHash,
		LogIndex:        uint32(logIndex),
		ContractAddress: r.Address,
		Topics:          r.Topics,
		Data:            r.Data,
	}, nil
}

func parseHexUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}

// Subscribe dials the upstream endpoint, issues eth_subscribe("logs"), and
// returns a channel of decoded logs. The channel is closed when the
// connection drops or ctx is cancelled; the caller (ingestor.Worker) owns
// reconnection.
func (s *Subscriber) Subscribe(ctx context.Context, chainID uint64) (<-chan ethevent.RawLog, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.handshakeDelay}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsrpc: dial %s: %w", s.url, err)
	}

	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: s.subscribeParams}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wsrpc: send eth_subscribe: %w", err)
	}

	var resp rpcResponse
	if err := conn.ReadJSON(&resp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wsrpc: read eth_subscribe response: %w", err)
	}
	if resp.Error != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wsrpc: eth_subscribe rejected: %s", resp.Error.Message)
	}

	out := make(chan ethevent.RawLog, 256)
	go s.readLoop(ctx, chainID, conn, out)
	return out, nil
}

func (s *Subscriber) readLoop(ctx context.Context, chainID uint64, conn *websocket.Conn, out chan<- ethevent.RawLog) {
	defer close(out)
	defer func() { _ = conn.Close() }()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var notif subscriptionNotification
		if err := conn.ReadJSON(&notif); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("wsrpc: connection read failed", "chain_id", chainID, "error", err)
			}
			return
		}
		if notif.Method != "eth_subscription" {
			continue
		}
		if notif.Params.Result.Removed {
			continue
		}

		raw, err := notif.Params.Result.toRawLog(chainID)
		if err != nil {
			s.logger.Warn("wsrpc: malformed log notification", "chain_id", chainID, "error", err)
			continue
		}

		select {
		case out <- raw:
		case <-ctx.Done():
			return
		}
	}
}
