package fec

import "fmt"

func errInvalidParams(k, n int) error {
	return fmt.Errorf("invalid (k=%d, n=%d): require 1 <= k <= n <= 256", k, n)
}

func errWrongBlockCount(want, got int) error {
	return fmt.Errorf("expected %d data blocks, got %d", want, got)
}

func errUnevenBlockSize() error {
	return fmt.Errorf("blocks must share a common length")
}

func errInsufficientBlocks(k, got int) error {
	return fmt.Errorf("insufficient-blocks: need %d, got %d", k, got)
}
