// Package notifications delivers operator alerts via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Each Event maps
// to a fixed title, tag set, and priority; per-event toggles in the
// [notifications] section suppress events the operator does not want.
//
// Callers depend only on the Service interface.
package notifications
