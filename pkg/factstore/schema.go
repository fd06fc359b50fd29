package factstore

import "fmt"

// SerialKey returns the key of the log's head serial.
// Pattern: factcask:{instance}:serial
func SerialKey(instance string) string {
	return fmt.Sprintf("factcask:%s:serial", instance)
}

// LogKey returns the key of the fact log list.
// Pattern: factcask:{instance}:log
func LogKey(instance string) string {
	return fmt.Sprintf("factcask:%s:log", instance)
}

// FactKey returns the key mapping a fact id to its serial.
// Pattern: factcask:{instance}:fact:{fact_id}
func FactKey(instance, factID string) string {
	return fmt.Sprintf("factcask:%s:fact:%s", instance, factID)
}

// TokenKey returns the key of a state token.
// Pattern: factcask:{instance}:token:{token_id}
func TokenKey(instance, tokenID string) string {
	return fmt.Sprintf("factcask:%s:token:%s", instance, tokenID)
}

// SnapshotKey returns the key under which a snapshot is stored.
// Pattern: factcask:{instance}:snapshot:{snapshot_key}
func SnapshotKey(instance, snapshotKey string) string {
	return fmt.Sprintf("factcask:%s:snapshot:%s", instance, snapshotKey)
}
