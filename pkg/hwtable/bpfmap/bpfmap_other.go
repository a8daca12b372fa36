//go:build !linux

package bpfmap

import (
	"errors"

	"github.com/psaab/flowoffload/pkg/hwtable"
)

var errUnsupported = errors.New("ebpf flow table requires linux")

func init() {
	hwtable.Register(hwtable.BackendEBPF, func(hwtable.Options) (hwtable.Driver, error) {
		return nil, errUnsupported
	})
}
