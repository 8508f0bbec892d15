//go:build tools
// +build tools

// Package tools declares tool dependencies for this module.
//
// These imports are not used at runtime. They keep the mockgen version used
// by `go generate` pinned in go.mod.
package matrix_client

import (
	_ "go.uber.org/mock/mockgen"
)
