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

package cron

import (
	"fmt"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// FieldCount is the number of fields in a supported expression
// (minute, hour, day-of-month, month, day-of-week).
const FieldCount = 5

// fieldNames indexes human-readable field names by position.
var fieldNames = [FieldCount]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// parser accepts the classic 5-field syntax only. Descriptors such as
// @daily are rejected because the Descriptor option is not set.
var parser = cronv3.NewParser(cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow)

// InvalidCronError reports a cron expression that failed to parse.
// Field is the zero-based index of the offending field, or -1 when the
// expression is malformed as a whole (wrong field count, descriptor, ...).
type InvalidCronError struct {
	Expr   string
	Field  int
	Reason string
}

func (e *InvalidCronError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("invalid cron expression %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("invalid cron expression %q: field %d (%s): %s", e.Expr, e.Field, fieldNames[e.Field], e.Reason)
}

// Expression is a parsed 5-field cron expression. Matching is minute
// granular: an expression is considered active for the full minute in
// which it fires. Day-of-month and day-of-week are OR-combined when both
// are restricted, per traditional cron.
type Expression struct {
	raw   string
	sched cronv3.Schedule
}

// Parse validates and compiles a 5-field cron expression. The underlying
// library tolerates a few extensions (descriptors, "?" wildcards, TZ=
// prefixes); those are rejected here so that only the classic syntax is
// accepted.
func Parse(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return nil, &InvalidCronError{Expr: expr, Field: -1, Reason: "empty expression"}
	}
	if strings.HasPrefix(fields[0], "@") {
		return nil, &InvalidCronError{Expr: expr, Field: -1, Reason: "descriptors are not supported"}
	}
	if len(fields) != FieldCount {
		return nil, &InvalidCronError{
			Expr:   expr,
			Field:  -1,
			Reason: fmt.Sprintf("expected %d fields, got %d", FieldCount, len(fields)),
		}
	}
	for i, f := range fields {
		if strings.Contains(f, "?") {
			return nil, &InvalidCronError{Expr: expr, Field: i, Reason: `"?" is not supported`}
		}
	}

	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, &InvalidCronError{
			Expr:   expr,
			Field:  badField(fields),
			Reason: err.Error(),
		}
	}

	return &Expression{raw: strings.Join(fields, " "), sched: sched}, nil
}

// MustParse is Parse for expressions known to be valid. It panics on error
// and exists for tests and compile-time constants.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// badField attributes a parse failure to a single field by parsing each
// field in isolation with every other field widened to "*". Returns -1
// when no single field reproduces the failure.
func badField(fields []string) int {
	for i, f := range fields {
		probe := []string{"*", "*", "*", "*", "*"}
		probe[i] = f
		if _, err := parser.Parse(strings.Join(probe, " ")); err != nil {
			return i
		}
	}
	return -1
}

// String returns the normalized expression text.
func (e *Expression) String() string {
	return e.raw
}

// Matches reports whether the instant, projected into loc, falls inside a
// minute the expression fires on. Seconds are ignored. A nil loc means UTC.
func (e *Expression) Matches(at time.Time, loc *time.Location) bool {
	_, _, ok := e.ActiveWindow(at, loc)
	return ok
}

// ActiveWindow returns the minute-aligned window [start, start+1m) that
// contains the instant, if the expression matches it; ok is false otherwise.
func (e *Expression) ActiveWindow(at time.Time, loc *time.Location) (start, end time.Time, ok bool) {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	minuteStart := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, loc)

	// Next returns the first firing strictly after its argument, so backing
	// off one second makes it answer "does the current minute fire".
	if !e.sched.Next(minuteStart.Add(-time.Second)).Equal(minuteStart) {
		return time.Time{}, time.Time{}, false
	}
	return minuteStart, minuteStart.Add(time.Minute), true
}

// Next returns the start of the first matching minute strictly after the
// given instant, evaluated in loc. A nil loc means UTC.
func (e *Expression) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return e.sched.Next(after.In(loc))
}
