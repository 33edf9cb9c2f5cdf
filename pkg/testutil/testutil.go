// Package testutil provides shared helpers for geosink package tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext creates a context bounding one test case. The caller must
// call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually polls a condition every 10ms until it holds or the
// timeout expires. Used for behavior driven by background goroutines,
// such as the writer pool's eviction sweep.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
