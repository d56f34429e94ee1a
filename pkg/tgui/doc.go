// Package tgui provides small Telegram text helpers: HTML-safe builders for
// ParseMode="HTML" (auto escaping, typed so raw and escaped strings cannot be
// mixed up) and rune-aware truncation for compact message lines.
package tgui
