package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/example/snoutid/internal/embedding"
)

// AutoMigrate ensures the biometric schema is available. On postgres it
// also enables pgvector, creates the cosine ivfflat index, links records to
// pets with cascading delete, and refuses to run against a column of a
// different dimension: changing the dimension is a breaking migration that
// requires dropping every stored signature.
func (r *BiometricRepository) AutoMigrate(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	postgres := db.Dialector.Name() == "postgres"

	if postgres {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("enable pgvector: %w", err)
		}
		if err := r.checkDimension(ctx); err != nil {
			return err
		}
	}

	if err := db.AutoMigrate(&BiometricRecord{}); err != nil {
		return err
	}

	if !postgres {
		return nil
	}

	if err := db.Exec(`CREATE INDEX IF NOT EXISTS ix_snout_biometries_embedding
		ON snout_biometries USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`).Error; err != nil {
		return fmt.Errorf("create ivfflat index: %w", err)
	}

	if db.Migrator().HasTable(&Pet{}) {
		var exists bool
		if err := db.Raw(`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_snout_biometries_pet_id')`).Scan(&exists).Error; err != nil {
			return err
		}
		if !exists {
			if err := db.Exec(`ALTER TABLE snout_biometries ADD CONSTRAINT fk_snout_biometries_pet_id
				FOREIGN KEY (subject_id) REFERENCES pets(id) ON DELETE CASCADE`).Error; err != nil {
				return fmt.Errorf("link snout_biometries to pets: %w", err)
			}
		}
	}
	return nil
}

func (r *BiometricRepository) checkDimension(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if !db.Migrator().HasTable(&BiometricRecord{}) {
		return nil
	}
	var typmod int
	err := db.Raw(`SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'snout_biometries'::regclass AND attname = 'embedding'`).Scan(&typmod).Error
	if err != nil {
		return fmt.Errorf("inspect embedding column: %w", err)
	}
	if typmod > 0 && typmod != embedding.Dimension {
		return fmt.Errorf("snout_biometries.embedding has %d dimensions, service expects %d: drop the stored signatures and re-register", typmod, embedding.Dimension)
	}
	return nil
}

// MigrateSubjects creates the pet and owner tables. Production databases
// get them from the record platform; development and tests use this.
func MigrateSubjects(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&Owner{}, &Pet{})
}
