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

	"github.com/go-logr/logr"

	"github.com/kube-freezer/kube-freezer/internal/history"
)

// NewEventSink returns a history sink that archives events without
// blocking the recorder. Each event is written from a short-lived
// goroutine with a bounded timeout; archive failures are logged and
// dropped, never surfaced to the admission path.
func NewEventSink(archive Archive, log logr.Logger) history.Sink {
	return func(e history.Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.RecordEvent(ctx, e); err != nil {
				log.Error(err, "Failed to archive history event", "id", e.ID, "type", string(e.Type))
			}
		}()
	}
}
