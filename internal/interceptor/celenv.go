package interceptor

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// maxExpressionLength bounds user script expressions.
const maxExpressionLength = 8192

// maxCostBudget is the CEL runtime cost limit so a runaway expression
// cannot pin the proxy.
const maxCostBudget = 1_000_000

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked, which is what makes timeouts effective.
const interruptCheckFreq = 100

var (
	mapDyn        = cel.MapType(cel.StringType, cel.DynType)
	mapStrAnyType = reflect.TypeOf(map[string]any{})
)

// handlerBindings are the per-invocation closures behind the functions
// a handler can call. The environment is rebuilt for every invocation
// so each function closes over its pending entry.
type handlerBindings struct {
	ctx     context.Context
	forward func() (map[string]any, error)
	log     func(msg string)
	repo    *repoFacade
}

// newMatchEnv builds the environment for match expressions: the request
// variable and string helpers, nothing effectful.
func newMatchEnv() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		cel.Variable("request", mapDyn),
	)
}

// newHandlerEnv builds the environment for handler expressions. With
// nil bindings it is declaration-only and suitable for load-time
// validation; the stub functions are never invoked during Compile.
func newHandlerEnv(b *handlerBindings) (*cel.Env, error) {
	if b == nil {
		b = &handlerBindings{}
	}
	adapter := types.DefaultTypeAdapter

	errVal := func(err error) ref.Val { return types.WrapErr(err) }

	forwardFn := func(...ref.Val) ref.Val {
		if b.forward == nil {
			return types.NewErr("forward is not available here")
		}
		resp, err := b.forward()
		if err != nil {
			return errVal(err)
		}
		return adapter.NativeToValue(resp)
	}

	logFn := func(v ref.Val) ref.Val {
		msg, ok := v.Value().(string)
		if !ok {
			return types.NewErr("log expects a string")
		}
		if b.log != nil {
			b.log(msg)
		}
		return types.True
	}

	repoFn := func(name string, call func(ctx context.Context, facade *repoFacade, arg ref.Val) (any, error)) func(ref.Val) ref.Val {
		return func(arg ref.Val) ref.Val {
			if b.repo == nil {
				return types.NewErr("%s is not available here", name)
			}
			out, err := call(b.ctx, b.repo, arg)
			if err != nil {
				return errVal(err)
			}
			return adapter.NativeToValue(out)
		}
	}

	return cel.NewEnv(
		ext.Strings(),
		cel.Variable("request", mapDyn),

		cel.Function("forward",
			cel.Overload("forward_void", []*cel.Type{}, mapDyn,
				cel.FunctionBinding(forwardFn))),

		cel.Function("log",
			cel.Overload("log_string", []*cel.Type{cel.StringType}, cel.BoolType,
				cel.UnaryBinding(logFn))),

		// merge overlays the second map onto the first; handlers use it
		// to build "forwarded response plus a header" results.
		cel.Function("merge",
			cel.Overload("merge_map_map", []*cel.Type{mapDyn, mapDyn}, mapDyn,
				cel.BinaryBinding(func(base, overlay ref.Val) ref.Val {
					bm, err := nativeMap(base)
					if err != nil {
						return errVal(err)
					}
					om, err := nativeMap(overlay)
					if err != nil {
						return errVal(err)
					}
					out := make(map[string]any, len(bm)+len(om))
					for k, v := range bm {
						out[k] = v
					}
					for k, v := range om {
						out[k] = v
					}
					return adapter.NativeToValue(out)
				}))),

		cel.Function("count_requests",
			cel.Overload("count_requests_map", []*cel.Type{mapDyn}, cel.IntType,
				cel.UnaryBinding(repoFn("count_requests",
					func(ctx context.Context, f *repoFacade, arg ref.Val) (any, error) {
						return f.countRequests(ctx, arg)
					})))),

		cel.Function("list_requests",
			cel.Overload("list_requests_map", []*cel.Type{mapDyn}, cel.ListType(cel.DynType),
				cel.UnaryBinding(repoFn("list_requests",
					func(ctx context.Context, f *repoFacade, arg ref.Val) (any, error) {
						return f.listRequests(ctx, arg)
					})))),

		cel.Function("get_request",
			cel.Overload("get_request_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(repoFn("get_request",
					func(ctx context.Context, f *repoFacade, arg ref.Val) (any, error) {
						return f.getRequest(ctx, arg)
					})))),

		cel.Function("search_bodies",
			cel.Overload("search_bodies_map", []*cel.Type{mapDyn}, cel.ListType(cel.DynType),
				cel.UnaryBinding(repoFn("search_bodies",
					func(ctx context.Context, f *repoFacade, arg ref.Val) (any, error) {
						return f.searchBodies(ctx, arg)
					})))),

		cel.Function("query_json_bodies",
			cel.Overload("query_json_bodies_map", []*cel.Type{mapDyn}, cel.ListType(cel.DynType),
				cel.UnaryBinding(repoFn("query_json_bodies",
					func(ctx context.Context, f *repoFacade, arg ref.Val) (any, error) {
						return f.queryJSONBodies(ctx, arg)
					})))),
	)
}

// compile parses, checks, and plans an expression in env.
func compile(env *cel.Env, expression string) (cel.Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// nativeMap converts a CEL map value into map[string]any.
func nativeMap(v ref.Val) (map[string]any, error) {
	native, err := v.ConvertToNative(mapStrAnyType)
	if err != nil {
		return nil, fmt.Errorf("expected a map: %w", err)
	}
	m, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a map, got %T", native)
	}
	return m, nil
}
