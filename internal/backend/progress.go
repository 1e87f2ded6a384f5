package backend

import "io"

// ProgressReader wraps an io.Reader and reports cumulative progress via a
// callback every reportInterval bytes.
type ProgressReader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)

	totalRead      int64
	lastReport     int64
	reportInterval int64
}

func NewProgressReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}

	return n, err
}
