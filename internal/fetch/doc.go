// Package fetch resolves watched product pages into raw stock/price fields.
//
// Two backends implement the same contract: a plain HTTP client (user-agent
// rotation, cache-busting, browser-like headers) and a headless-browser
// backend for pages that only render their availability client-side. Both
// extract fields through per-host pattern rules and tag every failure with a
// retry kind, so the scheduler can tell a throttled host from a blocked one
// without knowing anything about HTTP.
//
// # Extraction
//
// No DOM parsing happens here. A Rule carries status needles (substrings
// matched case-insensitively against the page text) and regular expressions
// for price and title. Rules are configuration; the built-in fallback covers
// the common retail phrasings.
package fetch
