package utils_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/robertof/go-bms-exporter/utils"
)

func TestErrorIsAnyOf(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	wrapped := fmt.Errorf("context: %w", errB)

	if !utils.ErrorIsAnyOf(wrapped, errA, errB) {
		t.Errorf("expected wrapped error to match")
	}

	if utils.ErrorIsAnyOf(wrapped, errA) {
		t.Errorf("expected no match")
	}

	if utils.ErrorIsAnyOf(nil, errA) {
		t.Errorf("nil should not match")
	}
}

func TestIgnoreErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")

	if err := utils.IgnoreErrors(fmt.Errorf("wrapped: %w", errA), errA); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	if err := utils.IgnoreErrors(errB, errA); err != errB {
		t.Errorf("expected %v, got %v", errB, err)
	}

	if err := utils.IgnoreErrors(nil, errA); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	if err := utils.IgnoreErrors(errA); err != errA {
		t.Errorf("expected %v with nothing to ignore, got %v", errA, err)
	}
}
