// Package vast is a thin client for the vast.ai compute-rental HTTP API:
// authentication against the account endpoint, instance listing and
// start/stop/destroy lifecycle actions, plus a convenience helper to run
// shell commands over ssh on a rented instance.
//
// Every public method maps to one blocking HTTP request or one ssh session;
// there is no caching, pooling, or retrying. Callers needing resilience must
// wrap calls themselves.
package vast
