// Package all registers every storage backend via side-effecting imports.
// Import it from binaries that select a backend by config.
package all

import (
	_ "stratus/internal/storage/mssql"
	_ "stratus/internal/storage/postgres"
	_ "stratus/internal/storage/sqlite"
)
