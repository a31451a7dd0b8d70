package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/host"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/utils"
)

// ResolveParty returns the customer or supplier for a source relation, creating it
// when absent. The creation path follows the configured PartyStrategy.
func (r *Resolver) ResolveParty(ctx context.Context, tx host.Tx, kind models.PartyKind, relationID string) (*models.Party, error) {
	relationID = strings.TrimSpace(relationID)
	if relationID == "" {
		return nil, fmt.Errorf("%w: empty relation", ErrNoParty)
	}
	key := partyKey{kind: kind, relationID: relationID}
	if p, ok := r.parties.get(key); ok {
		return p, nil
	}

	var (
		party *models.Party
		err   error
	)
	switch r.settings.PartyStrategy {
	case models.PartyStrategySimplified:
		party, err = r.simplified(ctx, tx, kind, relationID, nil)
	case models.PartyStrategyPrimaryWithFallback:
		party, err = r.getOrCreate(ctx, tx, kind, relationID)
		if err != nil && ctx.Err() == nil {
			party, err = r.simplified(ctx, tx, kind, relationID, err)
		}
	default:
		party, err = r.getOrCreate(ctx, tx, kind, relationID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: relation %s: %v", ErrNoParty, relationID, err)
	}
	if party.Kind != kind {
		return nil, fmt.Errorf("%w: relation %s is a %s, expected %s", ErrPartyKindMismatch, relationID, party.Kind, kind)
	}
	r.parties.put(key, party)
	return party, nil
}

// getOrCreate searches by external id and creates a record named after the source
// relation when none exists.
func (r *Resolver) getOrCreate(ctx context.Context, tx host.Tx, kind models.PartyKind, relationID string) (*models.Party, error) {
	party, err := tx.FindParty(ctx, kind, relationID)
	if err == nil {
		return party, nil
	}
	if !errors.Is(err, host.ErrNotFound) {
		return nil, err
	}

	party = &models.Party{
		Kind:               kind,
		ExternalId:         relationID,
		Name:               fmt.Sprintf("%s %s", kind, relationID),
		CreatedByMigration: true,
	}
	if rel, ok := r.relations[relationID]; ok {
		if name := strings.TrimSpace(rel.Name); name != "" {
			party.Name = name
		}
		if utils.IsValidEmail(rel.Email) {
			party.Email = rel.Email
		}
		if rel.Phone != "" {
			phone, err := utils.NormalizePhone(rel.Phone, utils.DefaultRegion)
			if err != nil {
				r.log(tx).WithFields(logrus.Fields{
					"relation_id": relationID,
					"phone":       rel.Phone,
				}).Debug("relation phone dropped")
			} else {
				party.Phone = phone
			}
		}
	}
	if err := tx.CreateParty(ctx, party); err != nil {
		return nil, err
	}
	r.log(tx).WithFields(logrus.Fields{
		"relation_id": relationID,
		"kind":        kind,
		"party_id":    party.ID,
	}).Info("party created")
	return party, nil
}

// simplified inserts a stand-in record. cause is the primary path's error, nil when
// the strategy selects this creator directly.
func (r *Resolver) simplified(ctx context.Context, tx host.Tx, kind models.PartyKind, relationID string, cause error) (*models.Party, error) {
	entry := r.log(tx).WithFields(logrus.Fields{
		"relation_id": relationID,
		"kind":        kind,
		"strategy":    r.settings.PartyStrategy,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warn("party fallback creator used")
	r.fallbacks++

	party, err := tx.FindParty(ctx, kind, relationID)
	if err == nil {
		return party, nil
	}
	if !errors.Is(err, host.ErrNotFound) {
		return nil, err
	}
	party = &models.Party{
		Kind:               kind,
		ExternalId:         relationID,
		Name:               models.FallbackPartyName(relationID),
		CreatedByMigration: true,
	}
	if err := tx.CreateParty(ctx, party); err != nil {
		return nil, err
	}
	return party, nil
}
