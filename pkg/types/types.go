package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	UnclaimedGuildName   = "Unclaimed"
	UnclaimedGuildPrefix = "NONE"
)

// RGB is a guild display colour. It travels as a [r, g, b] JSON array.
type RGB struct {
	R, G, B uint8
}

func (c RGB) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{int(c.R), int(c.G), int(c.B)})
}

func (c *RGB) UnmarshalJSON(data []byte) error {
	var raw [3]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, v := range raw {
		if v < 0 || v > 255 {
			return fmt.Errorf("colour component %d out of range", v)
		}
	}
	c.R, c.G, c.B = uint8(raw[0]), uint8(raw[1]), uint8(raw[2])
	return nil
}

// Hex renders the colour as #rrggbb
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// GuildIdentity identifies the owner of a territory. UUID is the stable key;
// Name and Prefix may change over time and Color is derived, not authoritative.
type GuildIdentity struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Color  *RGB   `json:"color,omitempty"`
}

// Unclaimed returns the placeholder identity used for territories the
// upstream reports without a guild.
func Unclaimed() GuildIdentity {
	return GuildIdentity{
		UUID:   uuid.Nil.String(),
		Name:   UnclaimedGuildName,
		Prefix: UnclaimedGuildPrefix,
	}
}

// SameGuild reports whether both identities refer to the same guild.
func (g GuildIdentity) SameGuild(other GuildIdentity) bool {
	return g.UUID == other.UUID
}

// IsUnclaimed reports whether g is the unclaimed placeholder.
func (g GuildIdentity) IsUnclaimed() bool {
	return g.UUID == uuid.Nil.String()
}

// Clone returns a deep copy so callers never share the Color pointer.
func (g GuildIdentity) Clone() GuildIdentity {
	if g.Color != nil {
		c := *g.Color
		g.Color = &c
	}
	return g
}

// OwnershipEvent is one persisted ownership change. Sequence is zero until
// the sequencer assigns it; after persistence the event is immutable.
type OwnershipEvent struct {
	Sequence   uint64         `json:"seq"`
	RecordedAt time.Time      `json:"recorded_at"`
	AcquiredAt time.Time      `json:"acquired_at"`
	Territory  string         `json:"territory"`
	NewOwner   GuildIdentity  `json:"new_owner"`
	PrevOwner  *GuildIdentity `json:"prev_owner,omitempty"`
}

// Equal compares two events field by field, normalising time zones.
func (e OwnershipEvent) Equal(other OwnershipEvent) bool {
	if e.Sequence != other.Sequence ||
		!e.RecordedAt.Equal(other.RecordedAt) ||
		!e.AcquiredAt.Equal(other.AcquiredAt) ||
		e.Territory != other.Territory ||
		!sameIdentity(e.NewOwner, other.NewOwner) {
		return false
	}
	if (e.PrevOwner == nil) != (other.PrevOwner == nil) {
		return false
	}
	return e.PrevOwner == nil || sameIdentity(*e.PrevOwner, *other.PrevOwner)
}

func sameIdentity(a, b GuildIdentity) bool {
	if a.UUID != b.UUID || a.Name != b.Name || a.Prefix != b.Prefix {
		return false
	}
	if (a.Color == nil) != (b.Color == nil) {
		return false
	}
	return a.Color == nil || *a.Color == *b.Color
}

// Entry is the live entry produced by applying e.
func (e OwnershipEvent) Entry() LiveOwnershipEntry {
	return LiveOwnershipEntry{
		Territory:       e.Territory,
		Owner:           e.NewOwner.Clone(),
		AcquiredAt:      e.AcquiredAt,
		AppliedSequence: e.Sequence,
	}
}

// LiveOwnershipEntry is the current owner of one territory.
type LiveOwnershipEntry struct {
	Territory       string        `json:"territory"`
	Owner           GuildIdentity `json:"owner"`
	AcquiredAt      time.Time     `json:"acquired_at"`
	AppliedSequence uint64        `json:"applied_seq"`
}

// Snapshot is a point-in-time copy of every live entry, ordered by territory.
type Snapshot struct {
	Watermark uint64               `json:"seq"`
	TakenAt   time.Time            `json:"timestamp"`
	Entries   []LiveOwnershipEntry `json:"entries"`
}

// SortEntries orders entries by territory name.
func SortEntries(entries []LiveOwnershipEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Territory < entries[j].Territory
	})
}

// Ownership flattens the snapshot into the history wire shape.
func (s Snapshot) Ownership() map[string]OwnershipRecord {
	out := make(map[string]OwnershipRecord, len(s.Entries))
	for _, e := range s.Entries {
		out[e.Territory] = RecordFor(e)
	}
	return out
}

// Lookup returns the entry for territory, if present.
func (s Snapshot) Lookup(territory string) (LiveOwnershipEntry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool {
		return s.Entries[i].Territory >= territory
	})
	if i < len(s.Entries) && s.Entries[i].Territory == territory {
		return s.Entries[i], true
	}
	return LiveOwnershipEntry{}, false
}

// OwnershipRecord is the compact per-territory owner used by history
// responses and persisted snapshots.
type OwnershipRecord struct {
	GuildUUID   string    `json:"guild_uuid"`
	GuildName   string    `json:"guild_name"`
	GuildPrefix string    `json:"guild_prefix"`
	GuildColor  *RGB      `json:"guild_color,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

func RecordFor(e LiveOwnershipEntry) OwnershipRecord {
	owner := e.Owner.Clone()
	return OwnershipRecord{
		GuildUUID:   owner.UUID,
		GuildName:   owner.Name,
		GuildPrefix: owner.Prefix,
		GuildColor:  owner.Color,
		AcquiredAt:  e.AcquiredAt,
	}
}

// Observation is what the upstream reports for one territory.
type Observation struct {
	Owner      GuildIdentity
	AcquiredAt time.Time
}

// TerritorySnapshot is one full upstream poll, keyed by territory name.
type TerritorySnapshot map[string]Observation

// Resources is the hourly production of a territory
type Resources struct {
	Emeralds int `json:"emeralds"`
	Ore      int `json:"ore"`
	Crops    int `json:"crops"`
	Fish     int `json:"fish"`
	Wood     int `json:"wood"`
}

// TerritoryExtra is static map data that the ownership feed does not carry
type TerritoryExtra struct {
	Resources   Resources `json:"resources"`
	Connections []string  `json:"connections"`
}

// Bounds describes the persisted range of the log. Empty is set when no
// event has been persisted yet; the other fields are then zero.
type Bounds struct {
	Empty      bool      `json:"empty"`
	MinSeq     uint64    `json:"min_seq,omitempty"`
	MaxSeq     uint64    `json:"max_seq,omitempty"`
	MinTime    time.Time `json:"min_time,omitzero"`
	MaxTime    time.Time `json:"max_time,omitzero"`
	EventCount uint64    `json:"event_count"`
}
