package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for change and chat subjects.
const ShardCount = 256

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// ChangeSubject returns the JetStream subject for event-change notifications.
// Format: feed.change.{shard_id}.event.{event_id}
func ChangeSubject(eventID string) string {
	return fmt.Sprintf("feed.change.%d.event.%s", GetShardID(eventID), eventID)
}

// ChatSubject returns the JetStream subject for a chat's message stream.
// Format: chat.msg.{shard_id}.{chat_id}
func ChatSubject(chatID string) string {
	return fmt.Sprintf("chat.msg.%d.%s", GetShardID(chatID), chatID)
}
