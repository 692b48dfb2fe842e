// Package logx configures cbalert's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional remote sink (min-level + rate limiting), usually the MQTT log topic
package logx
