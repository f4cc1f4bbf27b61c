// Package testutil holds small helpers shared across the package
// tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Polling window for asynchronous assertions. Hub fan-out and fake
// query streams settle in microseconds; the generous ceiling absorbs
// slow CI machines without flaking.
const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// RequireEventually fails the test unless condition becomes true
// within the polling window.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}
