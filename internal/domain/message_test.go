package domain

import (
	"testing"
	"time"
)

var allStatuses = []MessageStatus{
	MessagePending, MessageScheduled, MessageProcessing, MessageSent,
	MessageFailed, MessageBounced, MessageCancelled, MessagePaused,
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]MessageStatus]bool{
		{MessageScheduled, MessageProcessing}: true,
		{MessagePending, MessageProcessing}:   true,
		{MessageProcessing, MessageSent}:      true,
		{MessageProcessing, MessageScheduled}: true,
		{MessageProcessing, MessageFailed}:    true,
		{MessageScheduled, MessageCancelled}:  true,
		{MessagePaused, MessageCancelled}:     true,
		{MessagePending, MessageCancelled}:    true,
		{MessageScheduled, MessagePaused}:     true,
		{MessagePaused, MessageScheduled}:     true,
		{MessageSent, MessageBounced}:         true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]MessageStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoDeliveryTransitions(t *testing.T) {
	for _, s := range allStatuses {
		if !s.IsTerminal() {
			continue
		}
		if CanTransition(s, MessageProcessing) || CanTransition(s, MessageScheduled) {
			t.Errorf("terminal status %s can re-enter delivery", s)
		}
	}
}

func TestMessageIsDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"nil schedule is immediate", Message{Status: MessagePending}, true},
		{"past schedule", Message{Status: MessageScheduled, ScheduledFor: &past}, true},
		{"exactly now", Message{Status: MessageScheduled, ScheduledFor: &now}, true},
		{"future schedule", Message{Status: MessageScheduled, ScheduledFor: &future}, false},
		{"paused never due", Message{Status: MessagePaused, ScheduledFor: &past}, false},
		{"processing never due", Message{Status: MessageProcessing, ScheduledFor: &past}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsDue(now); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrimaryRecipientNormalizes(t *testing.T) {
	m := Message{To: []string{"  Lead@Example.COM ", "other@example.com"}}
	if got := m.PrimaryRecipient(); got != "lead@example.com" {
		t.Errorf("PrimaryRecipient() = %q", got)
	}
	if (&Message{}).PrimaryRecipient() != "" {
		t.Error("empty message should have no recipient")
	}
}
