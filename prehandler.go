package ttrpc

import "github.com/tinytransport/ttrpc/wire"

// PreHandler is invoked once before the matched Method for every
// request, when configured via WithPreHandler. Unlike the reference
// source's sketch (spec.md §9, which unconditionally dereferences an
// optional pre-handler even when none was configured), invocation here
// is gated on presence: a nil PreHandler is simply never called.
//
// A failing PreHandler short-circuits dispatch: the matched Method is
// never invoked and the connection emits codes.Internal, resolving
// spec.md §9's open question in favor of short-circuiting.
type PreHandler func(tctx *Context, req *wire.Request) error
