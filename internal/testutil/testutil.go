// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AlienTag renders one tag record in the reader's custom XML stream format.
func AlienTag(id string, antenna int, rssi float64, lastMs int64) string {
	return fmt.Sprintf("<Alien-RFID-Tag><TagID>%s</TagID><Last>%d</Last><RSSI>%.1f</RSSI><RX>%d</RX></Alien-RFID-Tag>",
		id, lastMs, rssi, antenna)
}

// AlienMessage joins tag records into a single CRLF-separated message the
// way the reader frames a notification.
func AlienMessage(records ...string) string {
	return "#Alien Tag List\r\n" + strings.Join(records, "\r\n") + "\r\n"
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Recv reads one value from ch or fails after timeout.
func Recv[T any](t *testing.T, ch <-chan T, timeout time.Duration) (T, bool) {
	t.Helper()
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for a value", timeout)
		var zero T
		return zero, false
	}
}

// Drain collects values from ch until it is closed or timeout elapses.
func Drain[T any](t *testing.T, ch <-chan T, timeout time.Duration) []T {
	t.Helper()
	var out []T
	deadline := time.After(timeout)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			t.Fatalf("timed out after %v draining channel (%d values so far)", timeout, len(out))
			return out
		}
	}
}
