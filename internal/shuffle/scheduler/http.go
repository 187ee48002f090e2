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

package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

type getRequestWire struct {
	ShuffleID   string `json:"shuffle_id"`
	Schema      []byte `json:"schema,omitempty"`
	Column      string `json:"column,omitempty"`
	NPartitions int    `json:"npartitions,omitempty"`
	Worker      string `json:"worker"`
}

type getReplyWire struct {
	Status        string            `json:"status"`
	Message       string            `json:"message,omitempty"`
	RunID         int64             `json:"run_id,omitempty"`
	WorkerFor     map[string]string `json:"worker_for,omitempty"`
	OutputWorkers []string          `json:"output_workers,omitempty"`
	Schema        []byte            `json:"schema,omitempty"`
	Column        string            `json:"column,omitempty"`
	NPartitions   int               `json:"npartitions,omitempty"`
}

type barrierRequestWire struct {
	ShuffleID string `json:"shuffle_id"`
	RunID     int64  `json:"run_id"`
}

type inputsDoneRequestWire struct {
	ShuffleID string `json:"shuffle_id"`
	RunID     int64  `json:"run_id"`
}

// HTTPClient implements Client against a Server exposed over HTTP, the
// assumed wire shape for the scheduler RPCs used by cmd/shuffle-worker.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient returns an HTTPClient with a conservative default timeout.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *HTTPClient) ShuffleGet(ctx context.Context, req GetRequest) (GetReply, error) {
	wire := getRequestWire{
		ShuffleID:   req.ShuffleID,
		Column:      req.Column,
		NPartitions: req.NPartitions,
		Worker:      req.Worker,
	}
	if req.Schema != nil {
		enc, err := table.EncodeSchema(*req.Schema)
		if err != nil {
			return GetReply{}, err
		}
		wire.Schema = enc
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return GetReply{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/shuffle/get", bytes.NewReader(body))
	if err != nil {
		return GetReply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return GetReply{}, err
	}
	defer resp.Body.Close()

	var reply getReplyWire
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return GetReply{}, err
	}
	if reply.Status != "OK" {
		return GetReply{}, &Error{Message: reply.Message}
	}

	workerFor := make(map[int64]string, len(reply.WorkerFor))
	for k, v := range reply.WorkerFor {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return GetReply{}, fmt.Errorf("scheduler: malformed worker_for key %q: %w", k, err)
		}
		workerFor[id] = v
	}
	var schema table.Schema
	if len(reply.Schema) > 0 {
		schema, err = table.DecodeSchema(reply.Schema)
		if err != nil {
			return GetReply{}, err
		}
	}
	return GetReply{
		RunID:         reply.RunID,
		WorkerFor:     workerFor,
		OutputWorkers: reply.OutputWorkers,
		Schema:        schema,
		Column:        reply.Column,
		NPartitions:   reply.NPartitions,
	}, nil
}

func (c *HTTPClient) ShuffleBarrier(ctx context.Context, shuffleID string, runID int64) error {
	body, err := json.Marshal(barrierRequestWire{ShuffleID: shuffleID, RunID: runID})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/shuffle/barrier", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(resp.Body)
		return &Error{Message: string(msg)}
	}
	return nil
}

// PostInputsDone is the wire call used by the reference scheduler daemon
// to fan shuffle_inputs_done out to a participant over HTTP.
func PostInputsDone(httpClient *http.Client, address, shuffleID string, runID int64) error {
	body, err := json.Marshal(inputsDoneRequestWire{ShuffleID: shuffleID, RunID: runID})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(address, "/")+"/shuffle/inputs-done", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("shuffle_inputs_done: peer %s returned %d: %s", address, resp.StatusCode, string(msg))
	}
	return nil
}

// Server exposes an InMemory reference scheduler over HTTP for
// cmd/shuffle-scheduler.
type Server struct {
	Inner *InMemory
}

// Register wires the scheduler RPCs onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/shuffle/get", s.handleGet)
	mux.HandleFunc("/shuffle/barrier", s.handleBarrier)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var wire getRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := GetRequest{
		ShuffleID:   wire.ShuffleID,
		Column:      wire.Column,
		NPartitions: wire.NPartitions,
		Worker:      wire.Worker,
	}
	if len(wire.Schema) > 0 {
		schema, err := table.DecodeSchema(wire.Schema)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Schema = &schema
	}

	reply, err := s.Inner.ShuffleGet(r.Context(), req)
	if err != nil {
		writeJSON(w, getReplyWire{Status: "ERROR", Message: err.Error()})
		return
	}
	workerFor := make(map[string]string, len(reply.WorkerFor))
	for k, v := range reply.WorkerFor {
		workerFor[strconv.FormatInt(k, 10)] = v
	}
	schemaBytes, err := table.EncodeSchema(reply.Schema)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, getReplyWire{
		Status:        "OK",
		RunID:         reply.RunID,
		WorkerFor:     workerFor,
		OutputWorkers: reply.OutputWorkers,
		Schema:        schemaBytes,
		Column:        reply.Column,
		NPartitions:   reply.NPartitions,
	})
}

func (s *Server) handleBarrier(w http.ResponseWriter, r *http.Request) {
	var wire barrierRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Inner.ShuffleBarrier(r.Context(), wire.ShuffleID, wire.RunID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
