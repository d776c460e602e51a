// Package server hosts the Fiber HTTP service: the request middleware chain,
// the path resolver that turns a request path into a media or shell Route, and
// the router constructor that main wires proxy handlers into. Diagnostics live
// under /-/ and are registered separately by the routes subpackage, so keep
// exports narrow and accept explicit dependencies.
package server
