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

// Package audit is an optional, supplementary run-lifecycle ledger backed
// by Postgres: it records when runs are created, superseded, closed, or
// failed, for postmortem. Nothing in internal/shuffle/run or
// internal/shuffle/registry depends on it; a worker wires it in only if
// it was given a *sql.DB.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS shuffle_runs (
//	  shuffle_id TEXT NOT NULL,
//	  run_id     BIGINT NOT NULL,
//	  started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  PRIMARY KEY (shuffle_id, run_id)
//	);
//	CREATE TABLE IF NOT EXISTS shuffle_run_events (
//	  shuffle_id TEXT NOT NULL,
//	  run_id     BIGINT NOT NULL,
//	  event      TEXT NOT NULL,
//	  detail     TEXT,
//	  at         TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  PRIMARY KEY (shuffle_id, run_id, event)
//	);
package audit

import (
	"context"
	"database/sql"
)

// Ledger records shuffle run lifecycle events idempotently.
type Ledger struct {
	db *sql.DB
}

// NewLedger wraps an already-configured *sql.DB; no driver is imported
// here, the caller registers whichever one it links.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// RecordRunCreated inserts a row for a freshly created run. Duplicate
// inserts (a registry retrying after a transient scheduler error) are
// silently absorbed.
func (l *Ledger) RecordRunCreated(ctx context.Context, shuffleID string, runID int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO shuffle_runs (shuffle_id, run_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		shuffleID, runID)
	return err
}

// RecordEvent appends a lifecycle event ("superseded", "closed", "failed")
// for a run. Idempotent per (shuffle_id, run_id, event).
func (l *Ledger) RecordEvent(ctx context.Context, shuffleID string, runID int64, event, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO shuffle_run_events (shuffle_id, run_id, event, detail) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (shuffle_id, run_id, event) DO NOTHING`,
		shuffleID, runID, event, detail)
	return err
}
