// Package logx configures netspeed's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller) on stderr
//   - File output JSON-structured
//   - Optional systemd journal sink (min-level + rate limiting)
package logx
