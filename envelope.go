// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"fmt"

	"github.com/google/uuid"
)

// MessageKind tells which of the Envelope fields are in use.
type MessageKind uint8

const (
	// KindQuery is a call of a method on a query provider.
	KindQuery MessageKind = 1
	// KindCommand is a command dispatch.
	KindCommand MessageKind = 2
	// KindEvent is an event dispatch.
	KindEvent MessageKind = 3
)

func (k MessageKind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// AwaitMode selects how long a command dispatch waits.
type AwaitMode uint8

const (
	// AwaitNone returns as soon as the server has accepted the command.
	AwaitNone AwaitMode = 0
	// AwaitCompletion returns when the command handler has finished.
	AwaitCompletion AwaitMode = 1
	// AwaitResult returns the command handler's result.
	AwaitResult AwaitMode = 2
)

func (m AwaitMode) String() string {
	switch m {
	case AwaitNone:
		return "none"
	case AwaitCompletion:
		return "completion"
	case AwaitResult:
		return "result"
	}
	return fmt.Sprintf("await(%d)", uint8(m))
}

// Envelope is the request body. Query calls use ProviderType, MethodName and
// Arguments; commands and events use ProviderType for the message type name
// and MessageData for the serialized message.
type Envelope struct {
	Kind         MessageKind
	RequestID    string
	ProviderType string
	MethodName   string
	Arguments    [][]byte
	MessageData  []byte
	AwaitMode    AwaitMode
	Source       string
	Claims       []Claim
}

func (env *Envelope) String() string {
	switch env.Kind {
	case KindQuery:
		return fmt.Sprintf("[Envelope %s %s %s.%s]", env.RequestID, env.Kind, env.ProviderType, env.MethodName)
	case KindCommand:
		return fmt.Sprintf("[Envelope %s %s %s await=%s]", env.RequestID, env.Kind, env.ProviderType, env.AwaitMode)
	}
	return fmt.Sprintf("[Envelope %s %s %s]", env.RequestID, env.Kind, env.ProviderType)
}

func newRequestID() string {
	return uuid.NewString()
}

// NewQueryEnvelope returns an envelope calling method on provider with serialized arguments.
func NewQueryEnvelope(provider, method string, args [][]byte) *Envelope {
	return &Envelope{
		Kind:         KindQuery,
		RequestID:    newRequestID(),
		ProviderType: provider,
		MethodName:   method,
		Arguments:    args,
	}
}

// NewCommandEnvelope returns an envelope dispatching a serialized command.
func NewCommandEnvelope(typeName string, data []byte, mode AwaitMode) *Envelope {
	return &Envelope{
		Kind:         KindCommand,
		RequestID:    newRequestID(),
		ProviderType: typeName,
		MessageData:  data,
		AwaitMode:    mode,
	}
}

// NewEventEnvelope returns an envelope dispatching a serialized event.
func NewEventEnvelope(typeName string, data []byte) *Envelope {
	return &Envelope{
		Kind:         KindEvent,
		RequestID:    newRequestID(),
		ProviderType: typeName,
		MessageData:  data,
	}
}
