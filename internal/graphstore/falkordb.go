package graphstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"contractlens/internal/fault"
)

// Querier is the Cypher surface the graph store and retrievers depend
// on. Tests supply in-memory fakes; production uses Graph below.
type Querier interface {
	Query(ctx context.Context, cypher string, params map[string]any) (*Result, error)
}

// Result is a decoded GRAPH.QUERY reply.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Empty reports whether the query matched nothing.
func (r *Result) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// Graph issues Cypher against a FalkorDB graph. FalkorDB speaks RESP,
// so the transport is a plain redis client.
type Graph struct {
	rdb  redis.UniversalClient
	name string
}

func NewGraph(rdb redis.UniversalClient, name string) *Graph {
	return &Graph{rdb: rdb, name: name}
}

func (g *Graph) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

// Query runs a parameterised Cypher query. Parameters are carried in the
// CYPHER prefix the server expects; values are encoded as Cypher
// literals.
func (g *Graph) Query(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	full := cypher
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteString("CYPHER ")
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(encodeLiteral(params[k]))
			b.WriteByte(' ')
		}
		b.WriteString(cypher)
		full = b.String()
	}

	raw, err := g.rdb.Do(ctx, "GRAPH.QUERY", g.name, full).Result()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("graph query: %w", err))
	}
	return decodeReply(raw)
}

func encodeLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		escaped := strings.ReplaceAll(val, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return encodeLiteral(fmt.Sprint(val))
	}
}

// decodeReply unpacks the verbose GRAPH.QUERY reply shape:
// [header, rows, stats] for reads, [stats] for pure writes.
func decodeReply(raw any) (*Result, error) {
	top, ok := raw.([]any)
	if !ok {
		return nil, fault.New(fault.KindIntegrity, "unexpected graph reply type %T", raw)
	}
	res := &Result{}
	if len(top) < 3 {
		return res, nil
	}

	if header, ok := top[0].([]any); ok {
		for _, col := range header {
			res.Columns = append(res.Columns, asString(col))
		}
	}
	rows, ok := top[1].([]any)
	if !ok {
		return nil, fault.New(fault.KindIntegrity, "unexpected graph row set type %T", top[1])
	}
	for _, r := range rows {
		cells, ok := r.([]any)
		if !ok {
			return nil, fault.New(fault.KindIntegrity, "unexpected graph row type %T", r)
		}
		res.Rows = append(res.Rows, cells)
	}
	return res, nil
}

// PropsOf extracts the property map from a node or edge cell. Fakes may
// return a map directly; the wire format is an array of
// ["id"|"labels"|"properties", value] pairs.
func PropsOf(cell any) map[string]any {
	switch v := cell.(type) {
	case map[string]any:
		return v
	case []any:
		for _, field := range v {
			pair, ok := field.([]any)
			if !ok || len(pair) != 2 {
				continue
			}
			if asString(pair[0]) != "properties" {
				continue
			}
			propPairs, ok := pair[1].([]any)
			if !ok {
				return nil
			}
			props := make(map[string]any, len(propPairs))
			for _, p := range propPairs {
				kv, ok := p.([]any)
				if !ok || len(kv) != 2 {
					continue
				}
				props[asString(kv[0])] = kv[1]
			}
			return props
		}
	}
	return nil
}

// ListOf unpacks a collect(...) cell.
func ListOf(cell any) []any {
	if list, ok := cell.([]any); ok {
		return list
	}
	return nil
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// Str reads a string property.
func Str(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	return asString(props[key])
}

// Int reads an integer property.
func Int(props map[string]any, key string) int {
	if props == nil {
		return 0
	}
	switch val := props[key].(type) {
	case int64:
		return int(val)
	case int:
		return val
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

// Bool reads a boolean property.
func Bool(props map[string]any, key string) bool {
	if props == nil {
		return false
	}
	switch val := props[key].(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	default:
		return false
	}
}
