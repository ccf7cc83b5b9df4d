// Package contact is the pipeline's view of leads, clients and coaches: who
// is active, who has opted out of marketing, and when each was last emailed.
package contact
