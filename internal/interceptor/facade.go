package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/cel-go/common/types/ref"

	"github.com/procsi/procsi/internal/adapter/outbound/sqlite"
	"github.com/procsi/procsi/internal/domain/capture"
)

// RepoReader is the read-only repository subset exposed to handler
// scripts and to the control plane's query methods.
type RepoReader interface {
	Get(ctx context.Context, id string) (*capture.Request, error)
	Count(ctx context.Context, opts capture.ListOptions) (int, error)
	ListSummaries(ctx context.Context, opts capture.ListOptions) ([]*capture.Summary, error)
	SearchBodies(ctx context.Context, query string, target capture.BodyTarget, opts capture.ListOptions) ([]*capture.BodySearchResult, error)
	QueryJSONBodies(ctx context.Context, path string, value any, target capture.BodyTarget, opts capture.ListOptions) ([]*capture.JSONQueryResult, error)
}

// repoFacade translates CEL map arguments into repository calls and the
// results back into plain JSON-shaped values.
type repoFacade struct {
	repo RepoReader
}

// searchParams is the argument shape shared by search_bodies and
// query_json_bodies; the embedded ListOptions covers the rest.
type searchParams struct {
	Query  string             `json:"query"`
	Path   string             `json:"path"`
	Value  any                `json:"value"`
	Target capture.BodyTarget `json:"target"`
	capture.ListOptions
}

func (f *repoFacade) countRequests(ctx context.Context, arg ref.Val) (any, error) {
	var opts capture.ListOptions
	if err := decodeArg(arg, &opts); err != nil {
		return nil, err
	}
	n, err := f.repo.Count(ctx, opts)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (f *repoFacade) listRequests(ctx context.Context, arg ref.Val) (any, error) {
	var opts capture.ListOptions
	if err := decodeArg(arg, &opts); err != nil {
		return nil, err
	}
	sums, err := f.repo.ListSummaries(ctx, opts)
	if err != nil {
		return nil, err
	}
	return toJSONValue(sums)
}

func (f *repoFacade) getRequest(ctx context.Context, arg ref.Val) (any, error) {
	id, ok := arg.Value().(string)
	if !ok {
		return nil, fmt.Errorf("get_request expects a string id")
	}
	req, err := f.repo.Get(ctx, id)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toJSONValue(req)
}

func (f *repoFacade) searchBodies(ctx context.Context, arg ref.Val) (any, error) {
	var p searchParams
	if err := decodeArg(arg, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, fmt.Errorf("search_bodies requires a query")
	}
	res, err := f.repo.SearchBodies(ctx, p.Query, p.Target, p.ListOptions)
	if err != nil {
		return nil, err
	}
	return toJSONValue(res)
}

func (f *repoFacade) queryJSONBodies(ctx context.Context, arg ref.Val) (any, error) {
	var p searchParams
	if err := decodeArg(arg, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("query_json_bodies requires a path")
	}
	res, err := f.repo.QueryJSONBodies(ctx, p.Path, p.Value, p.Target, p.ListOptions)
	if err != nil {
		return nil, err
	}
	return toJSONValue(res)
}

// decodeArg converts a CEL map argument into a typed parameter struct
// through its JSON tags.
func decodeArg(arg ref.Val, into any) error {
	m, err := nativeMap(arg)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// toJSONValue flattens typed results into maps/slices so the CEL
// adapter can represent them. An empty slice stays an empty list, not
// null.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if out == nil {
		return []any{}, nil
	}
	return out, nil
}
