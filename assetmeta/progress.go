package assetmeta

import "io"

// ProgressCallback is called while an asset is written or hashed.
// current: bytes produced so far
// total: planned output size (may be -1 if unknown)
type ProgressCallback func(current int64, total int64)

// progressWriter wraps an io.Writer to report write progress
type progressWriter struct {
	writer   io.Writer
	total    int64
	current  int64
	callback ProgressCallback
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.current += int64(n)
	if pw.callback != nil {
		pw.callback(pw.current, pw.total)
	}
	return n, err
}

func withProgress(w io.Writer, total int64, callback ProgressCallback) io.Writer {
	if callback == nil {
		return w
	}
	callback(0, total)
	return &progressWriter{writer: w, total: total, callback: callback}
}
