// Package middleware holds the links of the workspace pipeline. Every
// exported function is a core.MiddlewareCreator; internal/pipeline puts
// them in order.
package middleware
