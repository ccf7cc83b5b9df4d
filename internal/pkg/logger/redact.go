package logger

import "strings"

// RedactEmail keeps the first two characters of the local part and the
// domain: "john.doe@example.com" becomes "jo***@example.com". Anything that
// is not a single-@ address is masked entirely.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// RedactEmails applies RedactEmail to every recipient of a message.
func RedactEmails(emails []string) []string {
	out := make([]string, len(emails))
	for i, e := range emails {
		out[i] = RedactEmail(e)
	}
	return out
}

// RedactSecret keeps the last four characters of a credential.
func RedactSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
