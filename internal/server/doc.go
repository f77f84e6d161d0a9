// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the Site description that tells the edge which Host headers belong to
// the storefront. It also owns the shared upstream http.Client and the
// hop-by-hop header filter reused by every component that forwards requests.
// Diagnostics routes live in server/routes and are mounted by the caller.
package server
