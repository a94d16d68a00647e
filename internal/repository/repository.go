package repository

import "watchparty/internal/storage"

type Repositories struct {
	Party PartyRepository
}

func NewRepositories(db *storage.PostgresDB) *Repositories {
	return &Repositories{
		Party: NewPartyRepository(db),
	}
}
