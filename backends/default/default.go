// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely "local" (the default) and "remote".
//
// To use it simply include:
//
//	import _ "github.com/gomlx/gradsync/backends/default"
//
// If you add the tag `noremote` it will not include the remote backend, and its HTTP dependencies.
package _default

import (
	_ "github.com/gomlx/gradsync/backends/local"
)
