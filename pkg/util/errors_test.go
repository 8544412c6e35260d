package util

import (
	"errors"
	"strings"
	"testing"
)

func TestPublishErrorUnwrap(t *testing.T) {
	err := NewPublishError("SensorNode", "sds/SensorNode/config", "config", ErrBufferFull)
	if !errors.Is(err, ErrBufferFull) {
		t.Error("PublishError should unwrap to ErrBufferFull")
	}
	if !strings.Contains(err.Error(), "SensorNode") {
		t.Errorf("error string should name the table: %v", err)
	}
}

func TestRegistrationErrorUnwrap(t *testing.T) {
	err := NewRegistrationError("SensorNode", "duplicate registration", ErrTableAlreadyRegistered)
	if !errors.Is(err, ErrTableAlreadyRegistered) {
		t.Error("RegistrationError should unwrap to ErrTableAlreadyRegistered")
	}
}

func TestValidationBuilder(t *testing.T) {
	var v ValidationBuilder
	v.Add(true, "should not appear")
	if v.HasErrors() {
		t.Error("passing condition should not add an error")
	}
	if v.Build() != nil {
		t.Error("empty builder should build nil")
	}

	v.Add(false, "broker is required")
	v.AddErrorf("port %d out of range", 70000)
	err := v.Build()
	if err == nil {
		t.Fatal("builder with errors should build non-nil")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("built error should wrap ErrInvalidConfig")
	}
	if !strings.Contains(err.Error(), "broker is required") {
		t.Errorf("built error missing message: %v", err)
	}
}
