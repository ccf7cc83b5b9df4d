// Package message implements the outbound message queue: the store contract
// every component mutates message state through, and the caller-facing
// operations (create, pause, resume, cancel, retry-failed, emergency pause).
//
// Delivery itself lives in internal/worker. This package only knows it
// through the Dispatcher interface, which immediate sends use to deliver
// synchronously.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package message
