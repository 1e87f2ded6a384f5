package sqlite

import (
	"database/sql"
	"time"

	"github.com/matrixinfer-ai/kthena/internal/storage"
)

// Journal is the SQLite-backed download journal.
type Journal struct {
	db *sql.DB
}

func NewJournal(dbConn *sql.DB) *Journal {
	return &Journal{db: dbConn}
}

// StartDownload records a new attempt in 'downloading' state and returns its id.
func (j *Journal) StartDownload(modelName, source, holder string) (int64, error) {
	res, err := j.db.Exec(`
		INSERT INTO downloads (model_name, source, status, holder, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, modelName, source, storage.StatusDownloading, holder, time.Now().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// FinishDownload sets the terminal status and, when failed, the error text.
func (j *Journal) FinishDownload(id int64, status, errMsg string) error {
	_, err := j.db.Exec(`
		UPDATE downloads SET status = ?, finished_at = ?, error = ? WHERE id = ?
	`, status, time.Now().Format(time.RFC3339), errMsg, id)

	return err
}

// GetDownloads returns all journal entries, newest first.
func (j *Journal) GetDownloads() ([]storage.DownloadRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, model_name, source, status, holder, started_at, finished_at, error
		FROM downloads ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.DownloadRecord

	for rows.Next() {
		var record storage.DownloadRecord

		var finishedAt, errMsg sql.NullString

		if err := rows.Scan(&record.ID, &record.ModelName, &record.Source, &record.Status,
			&record.Holder, &record.StartedAt, &finishedAt, &errMsg); err != nil {
			return nil, err
		}

		record.FinishedAt = finishedAt.String
		record.Error = errMsg.String

		records = append(records, record)
	}

	return records, rows.Err()
}
