// Package middleware provides HTTP middleware for the photocache API.
//
// It includes:
//   - Request logging in W3C Extended Log Format
//   - Prometheus request metrics labelled by route template
//   - gzip response compression for JSON
//
// Every wrapper keeps http.Hijacker working so the progress websocket can
// sit behind the whole chain.
package middleware
