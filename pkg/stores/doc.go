// Package stores persists run history in SQLite.
// Each aggregate or retarget run, the outcome of every project and the
// progress lines logged while it ran are kept; schema changes are applied
// with golang-migrate from the embedded migrations directory.
package stores
