// Package logx configures daisysrv's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional forwarding of warnings/errors into the chat console channel
//     (min-level + rate limiting), so operators see bridge trouble where they
//     already look.
package logx
