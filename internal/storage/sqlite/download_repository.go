package sqlite

import "database/sql"

// DownloadRepository combines the read and write sides of the ledger.
type DownloadRepository struct {
	*DownloadReadRepository
	*DownloadWriteRepository
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{
		DownloadReadRepository:  NewDownloadReadRepository(dbConn),
		DownloadWriteRepository: NewDownloadWriteRepository(dbConn),
	}
}
