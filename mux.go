package vqs

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewWebhookMux 按路由表为每个类型挂载一个 NewQueueHandler。
// handlers 必须覆盖路由表中的每个类型，且不能包含路由表之外的类型。
func NewWebhookMux(routes RoutingTable, handlers map[Kind]QueueHandlerFunc, mws ...HandlerMiddleware) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestSize(maxRequestBody))
	r.Use(middleware.Recoverer)

	for kind := range handlers {
		if _, ok := routes.Route(kind); !ok {
			return nil, fmt.Errorf("no route for handler kind %q", kind)
		}
	}
	for _, route := range routes.Routes() {
		fn, ok := handlers[route.Kind]
		if !ok || fn == nil {
			return nil, fmt.Errorf("missing handler for kind %q", route.Kind)
		}
		r.Method(http.MethodPost, route.WebhookPath, NewQueueHandler(route.Prefix, fn, mws...))
	}
	return r, nil
}
