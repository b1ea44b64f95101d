package sharding

import (
	"strings"
	"testing"
)

func TestGetShardID_Deterministic(t *testing.T) {
	a := GetShardID("event-42")
	b := GetShardID("event-42")
	if a != b {
		t.Fatalf("shard id not deterministic: %d vs %d", a, b)
	}
	if a < 0 || a >= ShardCount {
		t.Fatalf("shard id out of range: %d", a)
	}
}

func TestChangeSubject_Format(t *testing.T) {
	subject := ChangeSubject("event-42")
	if !strings.HasPrefix(subject, "feed.change.") {
		t.Fatalf("unexpected subject prefix: %q", subject)
	}
	if !strings.HasSuffix(subject, ".event.event-42") {
		t.Fatalf("unexpected subject suffix: %q", subject)
	}
}

func TestChatSubject_Format(t *testing.T) {
	subject := ChatSubject("chat-7")
	if !strings.HasPrefix(subject, "chat.msg.") {
		t.Fatalf("unexpected subject prefix: %q", subject)
	}
	if !strings.HasSuffix(subject, ".chat-7") {
		t.Fatalf("unexpected subject suffix: %q", subject)
	}
}
