// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// QueryMethod runs one method of a query provider. args holds the serialized
// arguments. The result is serialized with ser, except that an io.Reader
// result is streamed to the caller as is, and closed afterwards if it is an
// io.Closer.
type QueryMethod func(ctx context.Context, ser Serializer, args [][]byte) (interface{}, error)

// messageHandler runs a command or event handler on serialized message data.
type messageHandler func(ctx context.Context, ser Serializer, data []byte) (interface{}, error)

type queryProvider struct {
	name           string
	maxConcurrency int
	methods        map[string]QueryMethod
}

type messageEntry struct {
	kind           MessageKind
	name           string
	maxConcurrency int
	hasResult      bool
	handle         messageHandler
}

// HandlerTable maps wire type names to handlers. A table holds either query
// providers or commands and events, never both.
//
// Registration happens at startup. A Server seals its table when it opens,
// after which it is read without locking and further registration fails.
type HandlerTable struct {
	mu             sync.Mutex
	queries        map[string]*queryProvider
	messages       map[string]*messageEntry
	maxConcurrency int
	sealed         bool
}

// NewHandlerTable returns an empty HandlerTable.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{
		queries:  make(map[string]*queryProvider),
		messages: make(map[string]*messageEntry),
	}
}

func (t *HandlerTable) registerLocked(isQuery bool, name string, maxConcurrency int) error {
	if t.sealed {
		return errors.WithStack(ErrHandlersSealed)
	}
	if isQuery && len(t.messages) > 0 || !isQuery && len(t.queries) > 0 {
		return errors.WithStack(ErrMixedHandlers)
	}
	if !validProviderType(name) {
		return errors.Errorf("invalid type name %q", name)
	}
	if _, ok := t.queries[name]; ok {
		return errors.Errorf("%q already registered", name)
	}
	if _, ok := t.messages[name]; ok {
		return errors.Errorf("%q already registered", name)
	}
	if maxConcurrency < 1 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if t.maxConcurrency == 0 || maxConcurrency < t.maxConcurrency {
		t.maxConcurrency = maxConcurrency
	}
	return nil
}

// RegisterQuery registers a query provider and its methods.
func (t *HandlerTable) RegisterQuery(name string, maxConcurrency int, methods map[string]QueryMethod) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.registerLocked(true, name, maxConcurrency); err != nil {
		return err
	}
	own := make(map[string]QueryMethod, len(methods))
	for k, v := range methods {
		own[k] = v
	}
	t.queries[name] = &queryProvider{name: name, maxConcurrency: maxConcurrency, methods: own}
	return nil
}

func (t *HandlerTable) registerMessage(e *messageEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.registerLocked(false, e.name, e.maxConcurrency); err != nil {
		return err
	}
	t.messages[e.name] = e
	return nil
}

func decodeMessage[T any](ser Serializer, data []byte) (msg T, err error) {
	if err = ser.Unmarshal(data, &msg); err != nil {
		err = errors.Wrapf(err, "decoding %T", msg)
	}
	return
}

// RegisterCommand registers a command handler without a result.
func RegisterCommand[T any](t *HandlerTable, name string, maxConcurrency int, fn func(ctx context.Context, cmd T) error) error {
	return t.registerMessage(&messageEntry{
		kind:           KindCommand,
		name:           name,
		maxConcurrency: maxConcurrency,
		handle: func(ctx context.Context, ser Serializer, data []byte) (interface{}, error) {
			cmd, err := decodeMessage[T](ser, data)
			if err != nil {
				return nil, err
			}
			return nil, fn(ctx, cmd)
		},
	})
}

// RegisterCommandWithResult registers a command handler that returns a result.
func RegisterCommandWithResult[T, R any](t *HandlerTable, name string, maxConcurrency int, fn func(ctx context.Context, cmd T) (R, error)) error {
	return t.registerMessage(&messageEntry{
		kind:           KindCommand,
		name:           name,
		maxConcurrency: maxConcurrency,
		hasResult:      true,
		handle: func(ctx context.Context, ser Serializer, data []byte) (interface{}, error) {
			cmd, err := decodeMessage[T](ser, data)
			if err != nil {
				return nil, err
			}
			return fn(ctx, cmd)
		},
	})
}

// RegisterEvent registers an event handler.
func RegisterEvent[T any](t *HandlerTable, name string, maxConcurrency int, fn func(ctx context.Context, ev T) error) error {
	return t.registerMessage(&messageEntry{
		kind:           KindEvent,
		name:           name,
		maxConcurrency: maxConcurrency,
		handle: func(ctx context.Context, ser Serializer, data []byte) (interface{}, error) {
			ev, err := decodeMessage[T](ser, data)
			if err != nil {
				return nil, err
			}
			return nil, fn(ctx, ev)
		},
	})
}

func checkArgs(args [][]byte, want int) error {
	if len(args) != want {
		return errors.WithStack(ProtocolError{Reason: fmt.Sprintf("expected %d arguments, got %d", want, len(args))})
	}
	return nil
}

func decodeArg[A any](ser Serializer, data []byte, i int) (arg A, err error) {
	if err = ser.Unmarshal(data, &arg); err != nil {
		err = errors.WithStack(ProtocolError{Reason: fmt.Sprintf("argument %d: %v", i, err)})
	}
	return
}

// Query0 adapts a method without arguments.
func Query0[R any](fn func(ctx context.Context) (R, error)) QueryMethod {
	return func(ctx context.Context, ser Serializer, args [][]byte) (interface{}, error) {
		if err := checkArgs(args, 0); err != nil {
			return nil, err
		}
		return fn(ctx)
	}
}

// Query1 adapts a method with one argument.
func Query1[A, R any](fn func(ctx context.Context, a A) (R, error)) QueryMethod {
	return func(ctx context.Context, ser Serializer, args [][]byte) (interface{}, error) {
		if err := checkArgs(args, 1); err != nil {
			return nil, err
		}
		a, err := decodeArg[A](ser, args[0], 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Query2 adapts a method with two arguments.
func Query2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) QueryMethod {
	return func(ctx context.Context, ser Serializer, args [][]byte) (interface{}, error) {
		if err := checkArgs(args, 2); err != nil {
			return nil, err
		}
		a, err := decodeArg[A](ser, args[0], 0)
		if err != nil {
			return nil, err
		}
		b, err := decodeArg[B](ser, args[1], 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

// QueryStream1 adapts a method with one argument whose result is streamed.
func QueryStream1[A any](fn func(ctx context.Context, a A) (io.Reader, error)) QueryMethod {
	return func(ctx context.Context, ser Serializer, args [][]byte) (interface{}, error) {
		if err := checkArgs(args, 1); err != nil {
			return nil, err
		}
		a, err := decodeArg[A](ser, args[0], 0)
		if err != nil {
			return nil, err
		}
		r, err := fn(ctx, a)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, errors.New("stream query returned no reader")
		}
		return r, nil
	}
}

// MaxConcurrency returns the lowest concurrency limit of all registrations,
// or DefaultMaxConcurrency for an empty table.
func (t *HandlerTable) MaxConcurrency() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxConcurrency == 0 {
		return DefaultMaxConcurrency
	}
	return t.maxConcurrency
}

// Seal makes the table read-only.
func (t *HandlerTable) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

// IsQueryTable returns true if the table holds query providers.
func (t *HandlerTable) IsQueryTable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queries) > 0
}

// Names returns the registered type names.
func (t *HandlerTable) Names() (names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name := range t.queries {
		names = append(names, name)
	}
	for name := range t.messages {
		names = append(names, name)
	}
	return
}

func (t *HandlerTable) query(provider, method string) (QueryMethod, error) {
	if qp := t.queries[provider]; qp != nil {
		if fn := qp.methods[method]; fn != nil {
			return fn, nil
		}
		return nil, errors.WithStack(ProtocolError{Reason: fmt.Sprintf("%s has no method %q", provider, method)})
	}
	return nil, errors.WithStack(UnknownProviderError{Kind: KindQuery, ProviderType: provider})
}

func (t *HandlerTable) message(kind MessageKind, name string) (*messageEntry, error) {
	if e := t.messages[name]; e != nil && e.kind == kind {
		return e, nil
	}
	return nil, errors.WithStack(UnknownProviderError{Kind: kind, ProviderType: name})
}
