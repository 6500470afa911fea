// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package zerra

func init() {
	// race detector can only handle max of 8192 goroutines,
	// so load tests scale themselves down when it is on.
	raceEnabled = true
}
