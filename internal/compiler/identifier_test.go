package compiler

import "testing"

func TestValidateIdentifierAcceptsQualifiedName(t *testing.T) {
	if err := validateIdentifier("public.orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateIdentifierRejectsInjectionAttempt(t *testing.T) {
	if err := validateIdentifier("orders; DROP TABLE orders"); err == nil {
		t.Fatal("expected InvalidIdentifier error")
	}
}
