package freesound

import "io"

// progressReader wraps an io.Reader and reports progress via a callback
// every interval bytes and once when the first 5% has been read.
type progressReader struct {
	reader         io.Reader
	total          int64
	onProgress     func(read, total int64)
	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

func newProgressReader(r io.Reader, total, interval int64, cb func(read, total int64)) *progressReader {
	return &progressReader{
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		before := pr.totalRead
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		crossedFirstStep := pr.total > 0 && pr.totalRead*100/pr.total >= 5 && before*100/pr.total < 5
		if pr.sinceReport >= pr.reportInterval || crossedFirstStep {
			pr.onProgress(pr.totalRead, pr.total)
			pr.sinceReport = 0
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *progressReader) BytesRead() int64 {
	return pr.totalRead
}
