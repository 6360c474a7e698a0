// Package cookies maps first-party cookie names to backend cookie names and
// back. Only allow-listed names cross the proxy, and on the caller side they
// live under a fixed namespace prefix so they never collide with the site's
// own cookies.
package cookies
