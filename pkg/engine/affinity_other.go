//go:build !linux

package engine

import "errors"

func pinThread(int) error {
	return errors.New("cpu pinning not supported on this platform")
}
