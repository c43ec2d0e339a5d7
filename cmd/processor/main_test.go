package main

import "testing"

func TestShutdownFlagSetIsIdempotentAndObservable(t *testing.T) {
	f := newShutdownFlag()
	if f.isSet() {
		t.Fatal("new shutdownFlag must start unset")
	}

	f.set()
	if !f.isSet() {
		t.Fatal("shutdownFlag must report set after set()")
	}

	// A second call must not panic (closing an already-closed channel would).
	f.set()
	if !f.isSet() {
		t.Fatal("shutdownFlag must remain set after a second set()")
	}
}
