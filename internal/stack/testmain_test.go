package stack

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in this package and checks for goroutine leaks
// after they complete. Every test that starts the poll loop in the
// background must join it before returning control to testing.M, or this
// fails.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
