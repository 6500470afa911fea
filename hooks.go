// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import "context"

// DispatchHook provides observability callpoints around server dispatch.
// Implementations must be safe for concurrent use.
//
// OnDispatchEnd is called once per OnDispatchStart, from the goroutine that
// ran the handler. For fire-and-forget commands and events that is after the
// response was sent.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo describes one dispatched request.
type DispatchInfo struct {
	Kind         MessageKind
	RequestID    string
	ProviderType string // query provider, command or event type name
	MethodName   string // query method, empty otherwise
	AwaitMode    AwaitMode
	Source       string
	Framing      Framing
	RemoteAddr   string
	Aborted      bool              // set before OnDispatchEnd if the peer cancelled the call
	Metadata     map[string]string // request headers, HTTP framing only
}

// Method returns a name for the dispatched operation, "provider.method" for queries.
func (info DispatchInfo) Method() string {
	if info.Kind == KindQuery {
		return info.ProviderType + "." + info.MethodName
	}
	return info.ProviderType
}
