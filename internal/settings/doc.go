// Package settings exposes the persisted feature flags consulted by the
// relay and changed by operators.
package settings
