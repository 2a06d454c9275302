// Package speedtest measures a client's connection quality against the
// speedtest.net legacy server layout.
//
// A run flows Catalog → Prober → Rank/Select → Engine (download, upload) →
// Aggregate. Every run owns its servers and counters; nothing is shared
// between runs.
package speedtest
