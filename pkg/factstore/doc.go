// Package factstore is the Redis implementation of the fact store.
//
// # Key schema
//
// All keys are namespaced by instance so several stores can share one Redis server:
//
//	factcask:{instance}:serial          head serial of the log (string counter)
//	factcask:{instance}:log             list of JSON facts, index = serial-1
//	factcask:{instance}:fact:{id}       serial of the fact with this id
//	factcask:{instance}:token:{id}      state token hash: serial, criteria (expires)
//	factcask:{instance}:snapshot:{key}  snapshot hash: last_fact, bytes, compressed
//
// # Conditional publish
//
// PublishIfUnchanged runs under WATCH on the serial key. The token's criteria are
// checked against every fact appended after the token's serial, then the new facts
// are appended in a MULTI/EXEC block. If another writer moved the serial in between,
// EXEC fails and the check is repeated.
package factstore
