// Package session owns the Controller<->Scanner link conventions that sit
// between raw framing and the endpoint.
//
// Ownership boundary:
// - link timings, queue bounds and reconnect policy
// - payload encoders/decoders for each message kind
package session
