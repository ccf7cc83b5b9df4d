// Package account manages coaches' connected Gmail and Outlook mailboxes:
// which one is primary, their OAuth tokens and the threads replies continue.
package account
