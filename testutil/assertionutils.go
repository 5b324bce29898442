package testutil

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// AssertMsg asserts that the given condition holds, failing with the
// given message if it doesn't
func AssertMsg(t *testing.T, cond bool, message string) {
	t.Helper()
	if !cond {
		FailMsgf(t, "Assertion error: %s", message)
	}
}

// AssertMsgf asserts that the given condition holds, failing with the
// given format string and args if it doesn't
func AssertMsgf(t *testing.T, cond bool, format string, args ...interface{}) {
	t.Helper()
	AssertMsg(t, cond, fmt.Sprintf(format, args...))
}

// AssertMapEquals asserts that the actual map has every key in expected
// with the same value. Keys only present in actual are ignored, so a
// response payload can be checked against the fields a test cares about.
func AssertMapEquals(t *testing.T,
	expected, actual map[string]interface{}) {
	t.Helper()
	for key, expectedVal := range expected {
		actualVal, ok := actual[key]
		if !ok {
			FatalMsgf(t, "Expected map contains key %s, actual map does not!",
				key)
		}
		if diff := cmp.Diff(expectedVal, actualVal); diff != "" {
			FatalMsgf(t, "Expected[%s] is not equal to actual[%s]: %s",
				key, key, diff)
		}
	}
}
