package vqs

import (
	"fmt"
	"strings"
)

// Kind 为工作类型：step 或 run。
type Kind string

const (
	KindStep Kind = "step"
	KindRun  Kind = "run"
)

func (k Kind) valid() bool { return k == KindStep || k == KindRun }

// Route 将分组键前缀映射到工作类型与 webhook 路径。
type Route struct {
	Kind        Kind
	Prefix      string
	WebhookPath string
}

// RoutingTable 为封闭的路由表，构造时校验，之后只读。
type RoutingTable struct {
	routes []Route
}

// DefaultRoutingTable 返回工作流默认路由。
func DefaultRoutingTable() RoutingTable {
	t, err := NewRoutingTable(
		Route{Kind: KindStep, Prefix: "__wkf_step_", WebhookPath: "/.well-known/workflow/v1/step"},
		Route{Kind: KindRun, Prefix: "__wkf_workflow_", WebhookPath: "/.well-known/workflow/v1/flow"},
	)
	if err != nil {
		panic(err)
	}
	return t
}

// NewRoutingTable 校验并构造路由表。前缀互为前缀时拒绝，保证任一分组键至多匹配一条。
func NewRoutingTable(routes ...Route) (RoutingTable, error) {
	if len(routes) == 0 {
		return RoutingTable{}, configError("routing table is empty")
	}
	kinds := make(map[Kind]bool, len(routes))
	for i, r := range routes {
		if !r.Kind.valid() {
			return RoutingTable{}, configError(fmt.Sprintf("route %d: unknown kind %q", i, r.Kind))
		}
		if kinds[r.Kind] {
			return RoutingTable{}, configError(fmt.Sprintf("route %d: duplicate kind %q", i, r.Kind))
		}
		kinds[r.Kind] = true
		if r.Prefix == "" {
			return RoutingTable{}, configError(fmt.Sprintf("route %d: prefix is empty", i))
		}
		if !strings.HasPrefix(r.WebhookPath, "/") {
			return RoutingTable{}, configError(fmt.Sprintf("route %d: webhook path must start with /", i))
		}
		for j := 0; j < i; j++ {
			p := routes[j].Prefix
			if strings.HasPrefix(p, r.Prefix) || strings.HasPrefix(r.Prefix, p) {
				return RoutingTable{}, configError(fmt.Sprintf("route %d: prefix %q overlaps %q", i, r.Prefix, p))
			}
		}
	}
	cp := make([]Route, len(routes))
	copy(cp, routes)
	return RoutingTable{routes: cp}, nil
}

// Resolve 按前缀匹配分组键；无匹配返回 UNKNOWN_GROUP_PREFIX。
func (t RoutingTable) Resolve(groupKey string) (Route, error) {
	for _, r := range t.routes {
		if strings.HasPrefix(groupKey, r.Prefix) {
			return r, nil
		}
	}
	return Route{}, unknownGroupPrefix(groupKey)
}

// Route 返回指定类型的路由。
func (t RoutingTable) Route(kind Kind) (Route, bool) {
	for _, r := range t.routes {
		if r.Kind == kind {
			return r, true
		}
	}
	return Route{}, false
}

func (t RoutingTable) Routes() []Route {
	cp := make([]Route, len(t.routes))
	copy(cp, t.routes)
	return cp
}
