// Package suppression implements the suppression list service.
//
// This is the single source of truth for whether an address may receive
// mail. Suppressions flow in from provider webhooks (permanent bounces,
// complaints, unsubscribes) and manual admin actions, and are checked by
// the delivery sweep and by sequence execution before any message is sent
// or created.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go. It never imports
// net/http or database/sql directly.
package suppression
