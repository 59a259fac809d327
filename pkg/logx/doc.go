// Package logx configures billops' structured logging.
//
// It wraps zerolog behind a small Logger value so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON-structured
//   - warnings and errors can optionally be mirrored to a Telegram chat
//     (min-level + rate limited)
package logx
