// Package logx configures groupwatch's structured logging.
//
// The Logger type is a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Telegram sink (min-level + rate limiting)
//   - Optional Elasticsearch sink (async bulk-free document posts)
package logx
