//go:build !linux

package app

import "io"

func isTerminal(io.Writer) bool { return false }
