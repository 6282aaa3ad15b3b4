/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"time"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
)

// Archive defines the durable storage interface for freeze audit data.
// The in-memory ring and exemption store remain authoritative for
// decisions; the archive exists so that events and exemptions survive
// restarts and can be queried beyond the ring capacity.
type Archive interface {
	// Init initializes the archive (creates tables, connections, etc.)
	Init() error

	// Close closes the archive and releases resources
	Close() error

	// RecordEvent stores one history event; replays of the same event id
	// are ignored
	RecordEvent(ctx context.Context, e history.Event) error

	// ListEvents returns archived events matching the query, most recent
	// first, along with the total match count
	ListEvents(ctx context.Context, q EventQuery) ([]FreezeEvent, int64, error)

	// EventCount returns the total number of archived events
	EventCount(ctx context.Context) (int64, error)

	// PruneEvents removes events older than the given time
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)

	// SaveExemption inserts or updates an exemption record
	SaveExemption(ctx context.Context, e exemption.Exemption) error

	// DeleteExemption removes an exemption record; missing rows are not
	// an error
	DeleteExemption(ctx context.Context, id string) error

	// ListActiveExemptions returns exemptions still usable at the given
	// instant, oldest first
	ListActiveExemptions(ctx context.Context, at time.Time) ([]exemption.Exemption, error)

	// Health checks if the archive is healthy
	Health(ctx context.Context) error
}
