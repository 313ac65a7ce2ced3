package testutil

import (
	"bytes"
	"testing"
)

// AssertEqual asserts that the given expected and actual values are equal
func AssertEqual(t *testing.T, expected interface{}, actual interface{}) {
	t.Helper()
	if expected != actual {
		t.Fatalf("Expected (%+v) is not equal to actual (%+v)!", expected, actual)
	}
}

// AssertBytesEqual asserts that two byte slices have the same content
func AssertBytesEqual(t *testing.T, expected, actual []byte) {
	t.Helper()
	if !bytes.Equal(expected, actual) {
		t.Fatalf("Expected (%x) is not equal to actual (%x)!", expected, actual)
	}
}

// AssertMsg fails the test with the message when the condition is false
func AssertMsg(t *testing.T, cond bool, message string) {
	t.Helper()
	if !cond {
		t.Fatalf("Assertion error: %s", message)
	}
}

// AssertNoErr fails the test when err is non-nil
func AssertNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Unexpected error: %+v", err)
	}
}

// AssertErr fails the test when err is nil
func AssertErr(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("Expected an error, got nil")
	}
}
