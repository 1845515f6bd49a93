// Package cache holds decoded payloads keyed by (resource, size class).
//
// A Store is bounded by an entry capacity and, optionally, a byte budget.
// Inserting past either limit evicts the least recently used entries first and
// runs the store's release hook for each of them exactly once. The grid and the
// viewer own separate stores with their own capacities and hooks.
package cache
