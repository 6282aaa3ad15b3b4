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

package history

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

var base = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func TestRecordFillsDefaults(t *testing.T) {
	r := NewRecorder(10, testclock.NewFakeClock(base))
	e := r.Record(Event{Type: RequestDenied, Namespace: "prod"})

	assert.NotEmpty(t, e.ID)
	assert.True(t, e.Timestamp.Equal(base))
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, 1, r.Len())
}

func TestListMostRecentFirst(t *testing.T) {
	clk := testclock.NewFakeClock(base)
	r := NewRecorder(10, clk)
	for i := 0; i < 3; i++ {
		r.Record(Event{Type: RequestDenied, Reason: fmt.Sprintf("deny-%d", i)})
		clk.SetTime(clk.Now().Add(time.Second))
	}

	events := r.List(0, Filter{})
	require.Len(t, events, 3)
	assert.Equal(t, "deny-2", events[0].Reason)
	assert.Equal(t, "deny-0", events[2].Reason)
}

func TestListLimitAndFilter(t *testing.T) {
	r := NewRecorder(10, testclock.NewFakeClock(base))
	r.Record(Event{Type: RequestDenied, Namespace: "prod"})
	r.Record(Event{Type: RequestBypassedUser, Namespace: "prod"})
	r.Record(Event{Type: RequestDenied, Namespace: "staging"})

	assert.Len(t, r.List(2, Filter{}), 2)

	denied := r.List(0, Filter{Type: RequestDenied})
	require.Len(t, denied, 2)
	assert.Equal(t, "staging", denied[0].Namespace)

	prod := r.List(0, Filter{Namespace: "prod"})
	assert.Len(t, prod, 2)

	both := r.List(0, Filter{Type: RequestDenied, Namespace: "prod"})
	assert.Len(t, both, 1)
}

func TestRingDropsOldest(t *testing.T) {
	r := NewRecorder(3, testclock.NewFakeClock(base))
	for i := 0; i < 5; i++ {
		r.Record(Event{Type: RequestDenied, Reason: fmt.Sprintf("deny-%d", i)})
	}

	assert.Equal(t, 3, r.Len())
	events := r.List(0, Filter{})
	require.Len(t, events, 3)
	assert.Equal(t, "deny-4", events[0].Reason)
	assert.Equal(t, "deny-2", events[2].Reason)
}

func TestSequenceBreaksTimestampTies(t *testing.T) {
	// A frozen clock stamps every event identically; the sequence number
	// still gives a total order.
	r := NewRecorder(10, testclock.NewFakeClock(base))
	first := r.Record(Event{Type: RequestDenied})
	second := r.Record(Event{Type: RequestDenied})

	assert.True(t, first.Timestamp.Equal(second.Timestamp))
	assert.Less(t, first.Seq, second.Seq)

	events := r.List(0, Filter{})
	assert.Equal(t, second.ID, events[0].ID)
	assert.Equal(t, first.ID, events[1].ID)
}

func TestSnapshotHydrateRoundTrip(t *testing.T) {
	clk := testclock.NewFakeClock(base)
	r := NewRecorder(10, clk)
	r.Record(Event{Type: FreezeEnabled, TriggeredBy: "oncall"})
	clk.SetTime(base.Add(time.Minute))
	r.Record(Event{Type: RequestDenied, Namespace: "prod"})

	raw, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)

	var restored []Event
	require.NoError(t, json.Unmarshal(raw, &restored))

	fresh := NewRecorder(10, clk)
	assert.Equal(t, 2, fresh.Hydrate(restored))

	events := fresh.List(0, Filter{})
	require.Len(t, events, 2)
	assert.Equal(t, RequestDenied, events[0].Type)
	assert.Equal(t, FreezeEnabled, events[1].Type)
}

func TestHydrateKeepsMostRecentWhenOverCapacity(t *testing.T) {
	var events []Event
	for i := 0; i < 5; i++ {
		events = append(events, Event{
			ID:        fmt.Sprintf("e-%d", i),
			Type:      RequestDenied,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	r := NewRecorder(3, testclock.NewFakeClock(base))
	assert.Equal(t, 3, r.Hydrate(events))

	got := r.List(0, Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, "e-4", got[0].ID)
	assert.Equal(t, "e-2", got[2].ID)
}

func TestSinksObserveRecordedEvents(t *testing.T) {
	r := NewRecorder(10, testclock.NewFakeClock(base))
	var seen []Event
	r.AddSink(func(e Event) { seen = append(seen, e) })

	r.Record(Event{Type: ConfigInvalid, Reason: "bad payload"})
	require.Len(t, seen, 1)
	assert.Equal(t, ConfigInvalid, seen[0].Type)
	assert.NotEmpty(t, seen[0].ID)
}

func TestDefaultCapacity(t *testing.T) {
	r := NewRecorder(0, nil)
	for i := 0; i < DefaultCapacity+50; i++ {
		r.Record(Event{Type: RequestDenied})
	}
	assert.Equal(t, DefaultCapacity, r.Len())
}
