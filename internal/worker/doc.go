// Package worker implements the storefront's tiered response cache manager.
//
// A Manager owns no network or storage of its own: it is constructed with a
// cache.Storage (named partitions of request → response snapshots) and a
// Fetcher (the network). Hosts drive it through three entry points:
// Install seeds the static partition, Activate removes stale partitions, and
// Intercept classifies each request and answers it from a partition, the
// network, an offline fallback, or a synthetic 500.
//
// Registration replaces the single ambient controller of the browser model:
// it installs and activates a new Manager, then swaps it in and retires the
// previous one.
package worker
