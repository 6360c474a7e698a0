// Package connection manages the HTTP/2 session to the measurement backend.
//
// A Registry holds a single slot. Asking for a different origin replaces the
// session in the slot; the replaced session is shut down gracefully so streams
// already running on it finish on their own. A session at its
// concurrent-stream limit keeps serving; extra streams wait for a free slot.
// A reset-class transport error empties the slot and the next Get dials
// again. There is no retry loop: the next caller is the retry. The one
// exception is a stream the session refused before sending anything
// (IsUnusable), which callers may reissue once.
//
// Usage:
//
//	registry := connection.NewRegistry(logger, collector, connection.Options{})
//	conn, err := registry.Get(ctx, origin.Resolve(cfg.URL))
//	if err != nil {
//	    return err
//	}
//	resp, err := conn.RoundTrip(req)
//	if err != nil {
//	    registry.Report(conn, err)
//	}
package connection
