package vqs

import "context"

// Middleware 用于消费侧 BatchHandler。
type Middleware func(next BatchHandler) BatchHandler

// HandlerMiddleware 用于接收侧 QueueHandlerFunc。
type HandlerMiddleware func(next QueueHandlerFunc) QueueHandlerFunc

func chain(handler BatchHandler, mws []Middleware) BatchHandler {
	final := handler
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}

func chainHandler(fn QueueHandlerFunc, mws []HandlerMiddleware) QueueHandlerFunc {
	final := fn
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	return final
}

// RecoverMiddleware 捕获处理过程中的 panic，避免消费协程退出。
func RecoverMiddleware(logger Logger) Middleware {
	return func(next BatchHandler) BatchHandler {
		return func(ctx context.Context, batch []Delivery) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(ctx, "batch handler panicked", "panic", r, "batch_size", len(batch))
				}
			}()
			next(ctx, batch)
		}
	}
}
