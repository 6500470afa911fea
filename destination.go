// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Destination identifies a remote endpoint. Host names compare case-insensitively.
type Destination struct {
	Host string
	Port int
}

// ParseDestination parses "host[:port]". IPv6 hosts with a port must be bracketed.
func ParseDestination(s string) (dest Destination, err error) {
	s = strings.TrimSpace(s)
	host, portText, splitErr := net.SplitHostPort(s)
	if splitErr != nil {
		host, portText = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"), ""
	}
	if host == "" {
		return dest, errors.Errorf("destination %q has no host", s)
	}
	dest.Host = host
	dest.Port = DefaultPort
	if portText != "" {
		if dest.Port, err = strconv.Atoi(portText); err != nil || dest.Port < 1 || dest.Port > 0xffff {
			return dest, errors.Errorf("destination %q has invalid port", s)
		}
	}
	return
}

// Key returns the pooling key, with the host lower-cased.
func (dest Destination) Key() string {
	return net.JoinHostPort(strings.ToLower(dest.Host), strconv.Itoa(dest.Port))
}

func (dest Destination) String() string {
	return net.JoinHostPort(dest.Host, strconv.Itoa(dest.Port))
}

// Equal returns true if both refer to the same host and port.
func (dest Destination) Equal(other Destination) bool {
	return dest.Port == other.Port && strings.EqualFold(dest.Host, other.Host)
}
