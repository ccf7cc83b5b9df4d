package domain

import "time"

// AnalyticsKind identifies which engagement signal an update carries.
type AnalyticsKind string

const (
	AnalyticsDelivered    AnalyticsKind = "delivered"
	AnalyticsOpened       AnalyticsKind = "opened"
	AnalyticsClicked      AnalyticsKind = "clicked"
	AnalyticsBounced      AnalyticsKind = "bounced"
	AnalyticsComplained   AnalyticsKind = "complained"
	AnalyticsUnsubscribed AnalyticsKind = "unsubscribed"
)

// BounceSeverity distinguishes hard bounces from transient ones.
type BounceSeverity string

const (
	BouncePermanent BounceSeverity = "permanent"
	BounceTemporary BounceSeverity = "temporary"
)

// Analytics is the engagement sub-state of a message. Every flag is paired
// with the timestamp of the first event that set it.
type Analytics struct {
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	Opened         bool           `json:"opened,omitempty"`
	OpenedAt       *time.Time     `json:"opened_at,omitempty"`
	Clicked        bool           `json:"clicked,omitempty"`
	ClickedAt      *time.Time     `json:"clicked_at,omitempty"`
	ClickedURL     string         `json:"clicked_url,omitempty"`
	Bounced        bool           `json:"bounced,omitempty"`
	BouncedAt      *time.Time     `json:"bounced_at,omitempty"`
	BounceReason   string         `json:"bounce_reason,omitempty"`
	BounceSeverity BounceSeverity `json:"bounce_severity,omitempty"`
	Complained     bool           `json:"complained,omitempty"`
	ComplainedAt   *time.Time     `json:"complained_at,omitempty"`
	Unsubscribed   bool           `json:"unsubscribed,omitempty"`
	UnsubscribedAt *time.Time     `json:"unsubscribed_at,omitempty"`
}

// AnalyticsUpdate is a single engagement signal to merge into Analytics.
type AnalyticsUpdate struct {
	Kind     AnalyticsKind
	At       time.Time
	URL      string
	Reason   string
	Severity BounceSeverity
}

// Apply merges u into a field by field. Flags only ever go from false to
// true and the first timestamp wins, so applying the same update twice
// leaves the struct unchanged. Returns true if anything changed.
func (a *Analytics) Apply(u AnalyticsUpdate) bool {
	at := u.At.UTC()
	switch u.Kind {
	case AnalyticsDelivered:
		return setFirst(&a.DeliveredAt, at)
	case AnalyticsOpened:
		changed := setFlag(&a.Opened)
		return setFirst(&a.OpenedAt, at) || changed
	case AnalyticsClicked:
		changed := setFlag(&a.Clicked)
		changed = setFirst(&a.ClickedAt, at) || changed
		if a.ClickedURL == "" && u.URL != "" {
			a.ClickedURL = u.URL
			changed = true
		}
		return changed
	case AnalyticsBounced:
		changed := setFlag(&a.Bounced)
		changed = setFirst(&a.BouncedAt, at) || changed
		if a.BounceReason == "" && u.Reason != "" {
			a.BounceReason = u.Reason
			changed = true
		}
		// a permanent verdict overrides an earlier temporary one, never the reverse
		if u.Severity != "" && a.BounceSeverity != BouncePermanent && a.BounceSeverity != u.Severity {
			a.BounceSeverity = u.Severity
			changed = true
		}
		return changed
	case AnalyticsComplained:
		changed := setFlag(&a.Complained)
		return setFirst(&a.ComplainedAt, at) || changed
	case AnalyticsUnsubscribed:
		changed := setFlag(&a.Unsubscribed)
		return setFirst(&a.UnsubscribedAt, at) || changed
	}
	return false
}

func setFlag(f *bool) bool {
	if *f {
		return false
	}
	*f = true
	return true
}

func setFirst(dst **time.Time, at time.Time) bool {
	if *dst != nil || at.IsZero() {
		return false
	}
	t := at
	*dst = &t
	return true
}
