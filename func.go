// SPDX-License-Identifier: GPL-3.0-or-later

package streamconn

import "context"

// Func is a generic operation that accepts an input and returns a result.
//
// Func instances can be composed using [Compose2], [Compose3], etc. to create
// type-safe pipelines where the output of one operation flows to the input of
// the next. The connector constructors use this to build session factories:
// for example, an HTTPS session factory is a connect stage, a TLS handshake
// stage, and an HTTP wrapping stage chained together.
//
// Resource cleanup contract: when a Func receives a closeable resource as
// input and returns an error, it is responsible for closing that resource
// before returning. This ensures that composed pipelines do not leak
// resources on partial failure. See [TLSClientFunc] for an example of this
// pattern.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter wraps a function as a [Func] implementation.
//
// Use this to create ad-hoc [Func] instances from closures, for example a
// custom session factory passed to [NewConnector].
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}
