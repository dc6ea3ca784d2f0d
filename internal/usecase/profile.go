package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/snoutid/internal/events"
	"github.com/example/snoutid/internal/logging"
	"github.com/example/snoutid/internal/privacy"
	"github.com/example/snoutid/internal/repository"
)

// Profile is the public view of an animal and its owner contact.
type Profile struct {
	SubjectID   int64  `json:"pet_id"`
	Name        string `json:"name"`
	Species     string `json:"species"`
	Breed       string `json:"breed,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
	OwnerName   string `json:"owner_name,omitempty"`
	OwnerPhone  string `json:"owner_phone,omitempty"`
	HasBiometry bool   `json:"has_biometry"`
}

// PublicProfile returns the profile with the owner's phone masked.
func (uc *BiometryUseCase) PublicProfile(ctx context.Context, subjectID int64) (*Profile, error) {
	return uc.profile(ctx, subjectID, privacy.Masked)
}

// IdentifiedProfile returns the profile with the full owner contact, for a
// finder who has just identified the animal. Every disclosure is logged
// and published for audit.
func (uc *BiometryUseCase) IdentifiedProfile(ctx context.Context, subjectID int64) (*Profile, error) {
	p, err := uc.profile(ctx, subjectID, privacy.Full)
	if err != nil {
		return nil, err
	}
	requestID := requestIDFrom(ctx)
	logging.WithSubject(logging.WithOperation(uc.logger, "usecase.identified_profile", requestID), subjectID).
		Info("owner contact disclosed", zap.Bool("has_biometry", p.HasBiometry))
	uc.publish(ctx, events.Event{Type: events.TypeContactDisclosed, SubjectID: subjectID, RequestID: requestID})
	return p, nil
}

func (uc *BiometryUseCase) profile(ctx context.Context, subjectID int64, visibility privacy.Visibility) (*Profile, error) {
	sp, err := uc.subjects.Find(ctx, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "profile", Err: err}
	}

	hasBiometry := false
	rec, err := uc.records.FindBySubject(ctx, subjectID)
	switch {
	case err == nil:
		hasBiometry = rec.IsActive
	case !errors.Is(err, repository.ErrNotFound):
		return nil, &StorageError{Op: "profile", Err: err}
	}

	contact := privacy.Shape(privacy.Contact{OwnerName: sp.OwnerName, OwnerPhone: sp.OwnerPhone}, visibility, privacy.ProfilePrefix)
	return &Profile{
		SubjectID:   sp.SubjectID,
		Name:        sp.Name,
		Species:     sp.Species,
		Breed:       sp.Breed,
		PhotoURL:    sp.PhotoURL,
		OwnerName:   contact.OwnerName,
		OwnerPhone:  contact.OwnerPhone,
		HasBiometry: hasBiometry,
	}, nil
}
