// Package federation implements the syndication engine for independently
// owned content sites. It provides Mastodon-style addressing
// (site@domain.tld), a persisted follow graph with recursive and
// originals-only modes, reconciliation of remote content into the local
// store, interchangeable transport strategies (realtime, mirror, bus),
// and per-edge session management with backoff and health tracking.
package federation
