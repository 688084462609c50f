package engine

import (
	"roadwatch-sync-server/internal/domain"
)

// Decision is the outcome of comparing one pair of records. When Conflict is
// nil and Target is not SideNone, Resolved must be written to Target.
type Decision struct {
	Conflict *domain.Conflict
	Resolved *domain.Record
	Target   domain.Side
}

func (d Decision) IsNoop() bool {
	return d.Conflict == nil && d.Target == domain.SideNone
}

// Classify compares a primary record with its secondary counterpart. Either
// side may be nil when the record does not exist in that store.
func Classify(primary, secondary *domain.Record) Decision {
	return ClassifyWithLineage(primary, secondary, nil)
}

// ClassifyWithLineage is Classify with the last state both stores agreed on.
// The lineage lets a one-sided change since the last sync fast-forward
// instead of being reported as a conflict.
func ClassifyWithLineage(primary, secondary *domain.Record, lineage *domain.Lineage) Decision {
	switch {
	case primary == nil && secondary == nil:
		return Decision{}
	case primary == nil:
		return oneSided(secondary, domain.SidePrimary)
	case secondary == nil:
		return oneSided(primary, domain.SideSecondary)
	}

	pDead, sDead := primary.IsTombstone(), secondary.IsTombstone()
	switch {
	case pDead && sDead:
		return Decision{}
	case pDead:
		return deletion(primary, secondary, domain.SideSecondary, lineage)
	case sDead:
		return deletion(secondary, primary, domain.SidePrimary, lineage)
	}

	samePayload := primary.Payload.Equal(secondary.Payload)
	if samePayload {
		if primary.Revision == secondary.Revision {
			return Decision{}
		}
		return higherRevision(primary, secondary)
	}

	if lineage == nil && !linked(primary, secondary) {
		return conflict(domain.ConflictTypeCreation, primary, secondary)
	}

	pAtLineage, sAtLineage := lineage.Matches(primary), lineage.Matches(secondary)
	switch {
	case pAtLineage && !sAtLineage:
		return Decision{Resolved: secondary.Clone(), Target: domain.SidePrimary}
	case sAtLineage && !pAtLineage:
		return Decision{Resolved: primary.Clone(), Target: domain.SideSecondary}
	}

	if primary.Revision != secondary.Revision {
		return conflict(domain.ConflictTypeModification, primary, secondary)
	}
	// Same revision with different content: the primary store wins the tie.
	return Decision{Resolved: primary.Clone(), Target: domain.SideSecondary}
}

func oneSided(present *domain.Record, missing domain.Side) Decision {
	if present.IsTombstone() {
		return Decision{}
	}
	return Decision{Resolved: present.Clone(), Target: missing}
}

// deletion handles a pair where only dead is a tombstone. live is written over
// by the tombstone unless it was modified after the deletion.
func deletion(dead, live *domain.Record, liveSide domain.Side, lineage *domain.Lineage) Decision {
	if !lineage.Matches(live) && live.UpdatedAt.After(*dead.DeletedAt) {
		if liveSide == domain.SidePrimary {
			return conflict(domain.ConflictTypeDeletion, live, dead)
		}
		return conflict(domain.ConflictTypeDeletion, dead, live)
	}
	resolved := dead.Clone()
	if resolved.Revision < live.Revision {
		resolved.Revision = live.Revision
	}
	return Decision{Resolved: resolved, Target: liveSide}
}

func higherRevision(primary, secondary *domain.Record) Decision {
	if secondary.Revision > primary.Revision {
		return Decision{Resolved: secondary.Clone(), Target: domain.SidePrimary}
	}
	return Decision{Resolved: primary.Clone(), Target: domain.SideSecondary}
}

func linked(primary, secondary *domain.Record) bool {
	return primary.ExternalID == secondary.ID && secondary.ExternalID == primary.ID
}

func conflict(t domain.ConflictType, primary, secondary *domain.Record) Decision {
	return Decision{Conflict: &domain.Conflict{
		Type:          t,
		RecordID:      primary.ID,
		ExternalID:    secondary.ID,
		LeftPayload:   primary.Payload,
		RightPayload:  secondary.Payload,
		LeftRevision:  primary.Revision,
		RightRevision: secondary.Revision,
		LeftDeleted:   primary.IsTombstone(),
		RightDeleted:  secondary.IsTombstone(),
		Resolution:    domain.ResolutionPending,
	}}
}
