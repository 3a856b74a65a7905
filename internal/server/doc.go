/*
Package server provides the HTTP middleware shared by the CGI front door and
the control plane.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware assigns each request an ID and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

An inbound X-Request-ID that parses as a UUID is kept, so IDs survive a
fronting proxy.

## Logging (logging.go)

LoggingMiddleware provides structured request logging using slog:
  - Logs request start (method, path, remote_addr)
  - Logs request completion (status, bytes, duration)
  - Supports custom log fields via AddLogField/AddError

The CGI front door adds invocation_id, script, cgi_state and exit_code.

## Authentication (authmiddleware.go)

AuthMiddleware validates control plane API keys through a ports.AuthProvider
and injects the resulting AuthContext.

## Timeout (timeout.go)

TimeoutMiddleware bounds control plane requests. CGI routes are not wrapped:
the gateway enforces its own spawn-to-exit deadline.

# Middleware Chain Order

 1. RequestIDMiddleware (first, to generate request IDs)
 2. LoggingMiddleware (logs all requests)
 3. Recoverer (catches panics)
 4. OTel instrumentation (OpenTelemetry)
 5. AuthMiddleware and TimeoutMiddleware on /admin only
*/
package server
