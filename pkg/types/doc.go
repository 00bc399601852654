/*
Package types defines the data model shared by every sequoia package.

The model is deliberately small:

  - GuildIdentity: who owns a territory. UUID is the key, everything else is
    presentation and may change.
  - OwnershipEvent: one change of owner. Created by the sequencer, which
    assigns a gapless, strictly increasing Sequence; immutable afterwards.
    PrevOwner chains each event to the previous event for the same territory,
    so folding the log reproduces live state.
  - LiveOwnershipEntry: the live state store's unit of mutation, one per
    territory, overwritten whole on every applied event.
  - Snapshot: an ordered copy of all live entries together with the
    watermark (highest applied sequence) they reflect.
  - TerritorySnapshot: one raw upstream poll, input to the diff engine.

Territories are plain strings. They exist for the lifetime of the game world
and are never created or destroyed here.
*/
package types
