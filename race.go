// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

var (
	// raceEnabled will be true if -race is enabled (see raceenabled.go)
	raceEnabled bool
)

// RaceEnabled will return true if -race is enabled.
func RaceEnabled() bool {
	return raceEnabled
}
