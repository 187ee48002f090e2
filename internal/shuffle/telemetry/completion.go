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

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
)

// KafkaProducer is an interface-only boundary: callers wire up whatever
// client they run in production (an idempotent producer), and this
// package never imports a concrete Kafka client itself.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// LoggingKafkaProducer is a dependency-free stand-in producer for local
// runs and tests, used when no broker is configured.
type LoggingKafkaProducer struct{}

func (LoggingKafkaProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	fmt.Printf("[kafka-demo] topic=%s key=%s value=%s\n", topic, key, value)
	return nil
}

// KafkaCompletionPublisher emits one event per finished run for
// downstream audit consumers.
type KafkaCompletionPublisher struct {
	producer KafkaProducer
	topic    string
}

// NewKafkaCompletionPublisher returns a publisher posting to topic (or
// "shuffle-run-completed" if empty).
func NewKafkaCompletionPublisher(producer KafkaProducer, topic string) *KafkaCompletionPublisher {
	if topic == "" {
		topic = "shuffle-run-completed"
	}
	return &KafkaCompletionPublisher{producer: producer, topic: topic}
}

type completionEvent struct {
	ShuffleID    string `json:"shuffle_id"`
	RunID        int64  `json:"run_id"`
	BytesRead    int64  `json:"bytes_read"`
	ClosedAtUnix int64  `json:"closed_at_unix"`
}

// PublishCompletion emits a completion event for one finished run.
func (p *KafkaCompletionPublisher) PublishCompletion(ctx context.Context, shuffleID string, runID, bytesRead, closedAtUnix int64) error {
	ev := completionEvent{ShuffleID: shuffleID, RunID: runID, BytesRead: bytesRead, ClosedAtUnix: closedAtUnix}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s-%d", shuffleID, runID))
	return p.producer.Produce(ctx, p.topic, key, b, map[string]string{"content-type": "application/json"})
}
