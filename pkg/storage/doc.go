/*
Package storage holds the durable ownership event log.

Two backends implement Log:

  - BoltStore keeps everything in a single bbolt file, <dataDir>/sequoia.db.
    Events live in the "events" bucket keyed by big-endian sequence, with a
    secondary "events_by_time" index (recorded_at nanos || sequence) used to
    map a timestamp to a sequence. Snapshots and guild colours have their
    own buckets. Values are JSON.

  - PostgresStore uses a pgx pool. Appends run in one transaction under an
    advisory lock so that reading the tail and inserting the batch cannot
    interleave with another writer.

Sequences start at 1 and are gapless. A batch is stamped and persisted as a
unit: a failed Append leaves no trace, and the next Append reuses the same
sequence numbers. recorded_at never decreases along the sequence.

Import replays a dump produced by EventsAfter. Rows already present with an
identical body are skipped, which makes a restore idempotent; a differing
body returns ErrConflict and a hole returns ErrGap.
*/
package storage
