package postgres

import "stratus/internal/storage"

func init() {
	storage.Register("postgres", New)
}
