package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/cipherrelay/internal/dbx"
	"github.com/dmitrijs2005/cipherrelay/internal/server/repositories/devices"
	"github.com/dmitrijs2005/cipherrelay/internal/server/repositories/memberships"
	"github.com/dmitrijs2005/cipherrelay/internal/server/repositories/messages"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Messages(db dbx.DBTX) messages.Repository
	Devices(db dbx.DBTX) devices.Repository
	Memberships(db dbx.DBTX) memberships.Repository
}
