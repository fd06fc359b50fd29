// Package snapshot computes version-aware cache keys for projection snapshots and
// reads and writes snapshots through a pluggable cache.
//
// # Cache keys
//
// A key has the shape
//
//	{repository id}:{projection name}:{serializer id}:{serial}[:{aggregate id}]
//
// Two snapshots can read and overwrite each other only if everything but the trailing
// aggregate ID is identical. Changing a projection's serial or its serializer changes
// the key, so a snapshot written for an older shape is never deserialized against a
// newer one; it is simply never read again.
//
// # Serial resolution
//
// The serial of a projection is resolved once per KeyEngine, first match wins:
//
//  1. the author-declared ProjectionMetaData.Serial
//  2. the legacy SerialVersionUID
//  3. the serializer's structural hash of the projection's Go type
//
// If none of these yields a value the engine logs an error and falls back to the
// current time in milliseconds. The system stays available, but every engine then
// writes under a fresh key and older snapshots are orphaned.
//
// Resolved values are never invalidated. A projection whose shape changes needs a
// new serial and a redeploy.
package snapshot
