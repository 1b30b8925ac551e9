package roundup

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nucleus/tracker-core/internal/connector/xmlrpc"
)

// linkClasses maps Roundup issue properties holding item ids to the class
// they link to.
var linkClasses = map[string]string{
	"status":     "status",
	"priority":   "priority",
	"keywords":   "keyword",
	"resolution": "resolution",
	"severity":   "severity",
	"type":       "issue_type",
	"stage":      "stage",
	"components": "component",
	"versions":   "version",
	"creator":    "user",
	"actor":      "user",
	"assignee":   "user",
	"nosy":       "user",
	"author":     "user",
}

// labelProperty is the property naming an item of class.
func labelProperty(class string) string {
	if class == "user" {
		return "username"
	}
	return "name"
}

// linkCache resolves link ids to names and status names to ids. Entries
// never change on a live tracker, so a bounded LRU is enough.
type linkCache struct {
	names *lru.Cache[string, string]
}

func newLinkCache(size int) (*linkCache, error) {
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("link cache: %w", err)
	}
	return &linkCache{names: c}, nil
}

func linkKey(class, id string) string { return class + id }

// resolve replaces link ids in records with names, fetching unknown ones
// in one multicall.
func (c *linkCache) resolve(ctx context.Context, rpc *xmlrpc.Client, records []map[string]any) error {
	var calls []xmlrpc.Call
	var keys []string
	pending := map[string]bool{}

	for _, rec := range records {
		for prop, class := range linkClasses {
			for _, id := range linkIDs(rec[prop]) {
				key := linkKey(class, id)
				if _, ok := c.names.Get(key); ok || pending[key] {
					continue
				}
				pending[key] = true
				keys = append(keys, key)
				calls = append(calls, xmlrpc.Call{Method: "display", Params: []any{key, labelProperty(class)}})
			}
		}
	}

	if len(calls) > 0 {
		results, err := rpc.Multicall(ctx, calls)
		if err != nil {
			return err
		}
		for i, r := range results {
			if m, ok := r.(map[string]any); ok {
				for _, v := range m {
					if s, ok := v.(string); ok {
						c.names.Add(keys[i], s)
					}
				}
			}
		}
	}

	for _, rec := range records {
		for prop, class := range linkClasses {
			switch v := rec[prop].(type) {
			case string:
				rec[prop] = c.name(class, v)
			case []any:
				names := make([]any, len(v))
				for i, id := range v {
					s, _ := id.(string)
					names[i] = c.name(class, s)
				}
				rec[prop] = names
			}
		}
	}
	return nil
}

// name returns the cached name of an item, or its id when unknown.
func (c *linkCache) name(class, id string) string {
	if n, ok := c.names.Get(linkKey(class, id)); ok {
		return n
	}
	return id
}

// lookupIDs converts names of class to item ids via Roundup's lookup.
func (c *linkCache) lookupIDs(ctx context.Context, rpc *xmlrpc.Client, class string, names []string) ([]string, error) {
	ids := make([]string, len(names))
	var calls []xmlrpc.Call
	var slots []int
	for i, name := range names {
		if id, ok := c.names.Get("=" + class + ":" + strings.ToLower(name)); ok {
			ids[i] = id
			continue
		}
		calls = append(calls, xmlrpc.Call{Method: "lookup", Params: []any{class, name}})
		slots = append(slots, i)
	}
	if len(calls) == 0 {
		return ids, nil
	}
	results, err := rpc.Multicall(ctx, calls)
	if err != nil {
		return nil, err
	}
	for j, r := range results {
		i := slots[j]
		id := fmt.Sprint(r)
		ids[i] = id
		c.names.Add("="+class+":"+strings.ToLower(names[i]), id)
		c.names.Add(linkKey(class, id), names[i])
	}
	return ids, nil
}

func linkIDs(v any) []string {
	switch x := v.(type) {
	case string:
		if x != "" {
			return []string{x}
		}
	case []any:
		out := make([]string, 0, len(x))
		for _, id := range x {
			if s, ok := id.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
