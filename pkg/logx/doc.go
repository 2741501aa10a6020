// Package logx configures bonusvarsel's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Components take a Logger by value; the zero value is a safe no-op.
package logx
