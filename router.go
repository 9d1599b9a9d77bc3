package ttrpc

import (
	"fmt"

	"github.com/tinytransport/ttrpc/wire"
)

// Method is the capability the (out-of-scope) .proto code generator
// hands the server for one RPC. Per spec.md §3 a handler's contract is
// "(context, Request) -> Result<(), Error>" with the side effect of
// emitting exactly one Response on tctx's response sink: the handler,
// not the engine, is responsible for calling tctx.Respond /
// tctx.Fail. The one exception is an error built with NewStatusError:
// the engine sends its status as the Response and the connection stays
// open. Any other returned error, including one returned by
// tctx.Respond / tctx.Fail, is connection-fatal (§4.3 step 6, §9).
type Method func(tctx *Context, req *wire.Request) error

// ServiceDesc is the method table a generated stub produces for one
// service, keyed by method name. RegisterService merges it into the
// router's per-service method map under the service name, the seam
// where codegen output plugs in.
type ServiceDesc struct {
	Methods map[string]Method
}

// router is a static "/service/method" -> Method map, immutable after
// Start() per spec.md §4.2.
type router struct {
	services map[string]map[string]Method
	unknown  Method
}

func newRouter() *router {
	return &router{services: make(map[string]map[string]Method)}
}

func (r *router) register(service string, desc ServiceDesc) {
	methods, ok := r.services[service]
	if !ok {
		methods = make(map[string]Method)
		r.services[service] = methods
	}
	for name, m := range desc.Methods {
		methods[name] = m
	}
}

// lookup resolves "/service/method", returning ok=false on a miss so
// the caller can emit the spec's INVALID_ARGUMENT response, or fall
// back to the UnknownServiceHandler when one is configured.
func (r *router) lookup(service, method string) (Method, bool) {
	methods, ok := r.services[service]
	if !ok {
		return nil, false
	}
	m, ok := methods[method]
	return m, ok
}

func routePath(service, method string) string {
	return fmt.Sprintf("/%s/%s", service, method)
}
