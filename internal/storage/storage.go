package storage

// Download statuses as recorded in the journal.
const (
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusFailed      = "failed"
)

// DownloadRecord is one journal entry: a single attempt to materialize a
// model into the output directory.
type DownloadRecord struct {
	ID         int64  `json:"id"`
	ModelName  string `json:"model_name"`
	Source     string `json:"source"`
	Status     string `json:"status"`
	Holder     string `json:"holder"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// JournalReader lists recorded download attempts.
type JournalReader interface {
	GetDownloads() ([]DownloadRecord, error)
}

// JournalWriter records download attempts and their outcomes.
type JournalWriter interface {
	StartDownload(modelName, source, holder string) (int64, error)
	FinishDownload(id int64, status, errMsg string) error
}

// Journal combines both sides for callers that own the full lifecycle.
type Journal interface {
	JournalReader
	JournalWriter
}
