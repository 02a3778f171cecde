package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of subject partitions for event fan-out.
const ShardCount = 256

// ShardID calculates the deterministic shard for a stream id, so all events
// of one stream land on the same subject partition in order.
func ShardID(streamID string) int {
	checksum := crc32.ChecksumIEEE([]byte(streamID))
	return int(checksum % ShardCount)
}

// EventSubject returns the NATS subject an event is published on.
// Format: order.event.{shard_id}.{entity_type}.{stream_id}
func EventSubject(entityType, streamID string) string {
	return fmt.Sprintf("order.event.%d.%s.%s", ShardID(streamID), entityType, streamID)
}
