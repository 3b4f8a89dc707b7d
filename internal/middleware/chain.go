package middleware

import "net/http"

// Middleware wraps an http.Handler with one pipeline stage.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares around a final handler. Stages run in the
// order given to NewChain, outermost first.
type Chain struct {
	middlewares []Middleware
}

func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Then wraps h in the chain's stages and returns the resulting handler.
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}
