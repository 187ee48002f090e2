// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport realizes the "reliable RPC that moves byte payloads
// between named workers" the core assumes as an external interface: an
// HTTP/JSON implementation of shuffle_receive, shuffle_inputs_done, and
// shuffle_fail, matching the net/http server and graceful-shutdown style
// this module's ambient stack is grounded on.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/etalazz/shuffleworker/internal/shuffle/registry"
	"github.com/etalazz/shuffleworker/internal/shuffle/shardsbuffer"
)

type wireShard struct {
	InputPartition int64  `json:"input_partition"`
	Data           []byte `json:"data"`
}

type receiveRequestWire struct {
	ShuffleID string      `json:"shuffle_id"`
	RunID     int64       `json:"run_id"`
	Shards    []wireShard `json:"shards"`
}

type inputsDoneRequestWire struct {
	ShuffleID string `json:"shuffle_id"`
	RunID     int64  `json:"run_id"`
}

type failRequestWire struct {
	ShuffleID string `json:"shuffle_id"`
	RunID     int64  `json:"run_id"`
	Message   string `json:"message"`
}

// HTTPPeerClient is the default PeerClient implementation.
type HTTPPeerClient struct {
	HTTP *http.Client
}

// NewHTTPPeerClient returns an HTTPPeerClient with a conservative timeout.
func NewHTTPPeerClient() *HTTPPeerClient {
	return &HTTPPeerClient{HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *HTTPPeerClient) ShuffleReceive(ctx context.Context, address, shuffleID string, runID int64, shards []shardsbuffer.Shard) error {
	wire := make([]wireShard, len(shards))
	for i, s := range shards {
		wire[i] = wireShard{InputPartition: s.InputPartition, Data: s.Bytes}
	}
	body, err := json.Marshal(receiveRequestWire{ShuffleID: shuffleID, RunID: runID, Shards: wire})
	if err != nil {
		return err
	}
	url := strings.TrimRight(address, "/") + "/shuffle/receive"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("shuffle_receive: peer %s returned %d: %s", address, resp.StatusCode, string(msg))
	}
	return nil
}

// Handlers wires a registry.Extension's RPC-facing methods onto an
// http.ServeMux.
type Handlers struct {
	Extension *registry.Extension
}

// Register adds the peer RPC routes to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/shuffle/receive", h.handleReceive)
	mux.HandleFunc("/shuffle/inputs-done", h.handleInputsDone)
	mux.HandleFunc("/shuffle/fail", h.handleFail)
}

func (h *Handlers) handleReceive(w http.ResponseWriter, r *http.Request) {
	var wire receiveRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	shards := make([]shardsbuffer.Shard, len(wire.Shards))
	for i, s := range wire.Shards {
		shards[i] = shardsbuffer.Shard{InputPartition: s.InputPartition, Bytes: s.Data}
	}
	if err := h.Extension.ShuffleReceive(r.Context(), wire.ShuffleID, wire.RunID, shards); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleInputsDone(w http.ResponseWriter, r *http.Request) {
	var wire inputsDoneRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Extension.ShuffleInputsDone(r.Context(), wire.ShuffleID, wire.RunID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFail is deliberately synchronous and never returns an error body
// indicating the run itself failed: a peer reporting failure just needs
// its message latched, not a round trip on the result of latching it.
func (h *Handlers) handleFail(w http.ResponseWriter, r *http.Request) {
	var wire failRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.Extension.ShuffleFail(wire.ShuffleID, wire.RunID, wire.Message)
	w.WriteHeader(http.StatusNoContent)
}
