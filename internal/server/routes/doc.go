// Package routes hosts the diagnostics endpoints served under /-/: a JSON
// status snapshot, a server-sent event stream of population progress, and the
// prometheus exposition.
package routes
