//go:build !linux

package bpfmap

import (
	"errors"
	"testing"

	"github.com/psaab/flowoffload/pkg/hwtable"
)

func TestUnsupportedPlatform(t *testing.T) {
	if _, err := hwtable.New(hwtable.BackendEBPF, hwtable.Options{}); !errors.Is(err, errUnsupported) {
		t.Fatalf("New error = %v, want %v", err, errUnsupported)
	}
}
