package intesa

import "fmt"

// Partition is the congruence class of entity identifiers owned by one
// participant: every id it mints is congruent to its offset modulo the
// spacing. Participants mint ids for the entities they create with zero
// round trips; disjoint offsets make collisions impossible by arithmetic
// alone.
//
// The floor keeps freshly granted partitions away from ids already in use:
// minted ids are always strictly above it, and never 0 (the world).
type Partition struct {
	offset  uint64
	spacing uint64
	floor   EntityID
	cursor  uint64
}

// NewPartition builds the partition owning offset mod spacing, minting only
// ids above after. Misconfiguration is rejected here; a constructed
// Partition cannot fail at runtime.
func NewPartition(offset, spacing uint64, after EntityID) (*Partition, error) {
	if spacing < 1 {
		return nil, fmt.Errorf("%w: %w", ErrBadPartition, ErrSpacingTooLow)
	}
	if offset >= spacing {
		return nil, fmt.Errorf("%w: %w: offset %d, spacing %d", ErrBadPartition, ErrOffsetTooHigh, offset, spacing)
	}

	cursor := uint64(after)/spacing*spacing + offset
	if cursor <= uint64(after) {
		cursor += spacing
	}
	if cursor == 0 {
		// Offset 0 with an empty world: id 0 belongs to the world itself.
		cursor += spacing
	}

	return &Partition{
		offset:  offset,
		spacing: spacing,
		floor:   after,
		cursor:  cursor,
	}, nil
}

// PlanPartitions splits the id space between participants. Offsets are
// assigned 0..participants-1; withAuthority records that offset 0 is the
// authority's seat (the arithmetic is identical either way). All partitions
// start minting above after, typically the world's LastID at session start.
func PlanPartitions(participants int, withAuthority bool, after EntityID) ([]*Partition, error) {
	if participants <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrBadPartition, ErrNoParticipants)
	}

	parts := make([]*Partition, participants)
	for i := range parts {
		p, err := NewPartition(uint64(i), uint64(participants), after)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return parts, nil
}

// NextID mints the next identifier of this partition. Ids are strictly
// increasing and never revisited, even across entity removals.
func (p *Partition) NextID() EntityID {
	id := EntityID(p.cursor)
	p.cursor += p.spacing
	return id
}

// Owns reports whether id falls in this partition's congruence class.
func (p *Partition) Owns(id EntityID) bool {
	return uint64(id)%p.spacing == p.offset
}

func (p *Partition) Offset() ParticipantID {
	return ParticipantID(p.offset)
}

func (p *Partition) Spacing() uint64 {
	return p.spacing
}

func (p *Partition) Floor() EntityID {
	return p.floor
}
