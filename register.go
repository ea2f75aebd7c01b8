package pipeline

import (
	"fmt"
	"net/http"
)

// register builds a route for h and mounts it. A route that cannot be built
// is a configuration error, so it panics like http.ServeMux does for a bad
// pattern.
func register[T any](r *Router, method, pattern string, h Handler[T], opts ...RouteOption) *Chain {
	c, err := r.Handle(method, pattern, NewRoute(h, opts...))
	if err != nil {
		panic(fmt.Sprintf("pipeline: register %s %s: %v", method, pattern, err))
	}
	return c
}

// Get registers a GET handler.
func Get[T any](r *Router, pattern string, h Handler[T], opts ...RouteOption) *Chain {
	return register(r, http.MethodGet, pattern, h, opts...)
}

// Post registers a POST handler.
func Post[T any](r *Router, pattern string, h Handler[T], opts ...RouteOption) *Chain {
	return register(r, http.MethodPost, pattern, h, opts...)
}

// Put registers a PUT handler.
func Put[T any](r *Router, pattern string, h Handler[T], opts ...RouteOption) *Chain {
	return register(r, http.MethodPut, pattern, h, opts...)
}

// Patch registers a PATCH handler.
func Patch[T any](r *Router, pattern string, h Handler[T], opts ...RouteOption) *Chain {
	return register(r, http.MethodPatch, pattern, h, opts...)
}

// Delete registers a DELETE handler.
func Delete[T any](r *Router, pattern string, h Handler[T], opts ...RouteOption) *Chain {
	return register(r, http.MethodDelete, pattern, h, opts...)
}
