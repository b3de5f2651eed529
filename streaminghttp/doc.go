// Package streaminghttp is the HTTP front-end for the events server.
//
// It multiplexes four concerns onto one handler:
//
//   - MCP traffic: POST /mcp (streamable HTTP transport), GET /mcp plus
//     POST /messages (deprecated HTTP+SSE transport), DELETE /mcp.
//   - OAuth: /authorize, /callback, /token, /register, and the RFC 8414 /
//     RFC 9728 discovery documents under /.well-known.
//   - Operations: /health, /stats, /metrics.
//
// MCP endpoints require a bearer token issued by the oauth package. A missing
// token yields 401 with a WWW-Authenticate challenge pointing at the
// protected resource metadata; an invalid or expired token yields 403.
package streaminghttp
