// Package proxy forwards analytics requests mounted under a first-party path
// to the measurement backend and relays the answer.
//
// For each request under the mount prefix the proxy signs the client IP,
// forwards only allow-listed cookies (without their first-party prefix),
// issues a GET on the shared HTTP/2 session, rewrites the response headers
// and cookies for the caller's domain, buffers the body and writes a single
// response. Requests outside the prefix go to the next handler untouched.
//
// Every request is bounded by one overall deadline. A timeout answers 504 and
// any other upstream failure answers 502; the body is buffered, so nothing
// has reached the caller when that decision is made.
package proxy
