package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"watchparty/internal/models"
	"watchparty/internal/storage"
)

var ErrNotFound = errors.New("record not found")

type PartyRepository interface {
	Create(ctx context.Context, party *models.WatchParty) error
	FindByID(ctx context.Context, id string) (*models.WatchParty, error)
}

type partyRepository struct {
	db *storage.PostgresDB
}

func NewPartyRepository(db *storage.PostgresDB) PartyRepository {
	return &partyRepository{db: db}
}

func (r *partyRepository) Create(ctx context.Context, party *models.WatchParty) error {
	return r.db.WithContext(ctx).Create(party).Error
}

// FindByID 查詢派對紀錄；查無資料時回傳 ErrNotFound
func (r *partyRepository) FindByID(ctx context.Context, id string) (*models.WatchParty, error) {
	var party models.WatchParty
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&party).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &party, nil
}
