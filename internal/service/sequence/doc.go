// Package sequence manages timed email sequences and materializes them into
// scheduled messages. Every step is scheduled relative to the sequence start
// date, so one recipient's steps always fire in order without any locking.
package sequence
