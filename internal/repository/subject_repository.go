package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/example/snoutid/internal/logging"
)

// Pet is the animal profile owned by the surrounding record platform.
// This service only reads it.
type Pet struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	OwnerID   string    `gorm:"column:owner_id;size:64;index;not null"`
	Name      string    `gorm:"column:name;not null"`
	Species   string    `gorm:"column:species;not null"`
	Breed     string    `gorm:"column:breed"`
	PhotoURL  string    `gorm:"column:photo_url"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Pet) TableName() string {
	return "pets"
}

// Owner is the account holding pets.
type Owner struct {
	ID       string `gorm:"column:id;primaryKey;size:64"`
	FullName string `gorm:"column:full_name"`
	Phone    string `gorm:"column:phone"`
}

// TableName overrides the default table name.
func (Owner) TableName() string {
	return "owners"
}

// SubjectProfile is a pet joined with its owner's contact.
type SubjectProfile struct {
	SubjectID  int64
	OwnerID    string
	Name       string
	Species    string
	Breed      string
	PhotoURL   string
	OwnerName  string
	OwnerPhone string
}

// SubjectRepository reads animal profiles and their owners.
type SubjectRepository struct {
	db *gorm.DB
}

// NewSubjectRepository creates a new repository instance.
func NewSubjectRepository(db *gorm.DB) *SubjectRepository {
	return &SubjectRepository{db: db}
}

func (r *SubjectRepository) profiles(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Table("pets AS p").
		Select("p.id AS subject_id, p.owner_id, p.name, p.species, p.breed, p.photo_url, " +
			"o.full_name AS owner_name, o.phone AS owner_phone").
		Joins("LEFT JOIN owners o ON o.id = p.owner_id")
}

// Find returns one profile.
func (r *SubjectRepository) Find(ctx context.Context, subjectID int64) (*SubjectProfile, error) {
	var rows []SubjectProfile
	if err := r.profiles(ctx).Where("p.id = ?", subjectID).Limit(1).Scan(&rows).Error; err != nil {
		return nil, logging.NewOperationError("repository.find_subject", "", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// FindMany returns the profiles that exist among ids, keyed by subject.
func (r *SubjectRepository) FindMany(ctx context.Context, ids []int64) (map[int64]SubjectProfile, error) {
	out := make(map[int64]SubjectProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []SubjectProfile
	if err := r.profiles(ctx).Where("p.id IN ?", ids).Scan(&rows).Error; err != nil {
		return nil, logging.NewOperationError("repository.find_subjects", "", err)
	}
	for _, row := range rows {
		out[row.SubjectID] = row
	}
	return out, nil
}

// OwnerOf returns the owner identity of a subject.
func (r *SubjectRepository) OwnerOf(ctx context.Context, subjectID int64) (string, error) {
	var pet Pet
	err := r.db.WithContext(ctx).Select("id", "owner_id").First(&pet, "id = ?", subjectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", logging.NewOperationError("repository.owner_of", "", err)
	}
	return pet.OwnerID, nil
}
