package proxy

import (
	"errors"
	"io"
	"net/http"

	"xtream-gate/work/logger"
	"xtream-gate/work/metrics"
	"xtream-gate/work/types"
)

// defaultPlaylistType is sent when the upstream names no content type.
const defaultPlaylistType = "application/vnd.apple.mpegurl"

// Stream relays the live playlist of streamID to w as it arrives. An error
// is returned only when nothing has been written yet; once headers are out,
// failures end the response and are logged.
func (sp *StreamProxy) Stream(w http.ResponseWriter, r *http.Request, creds types.Credentials, streamID string) error {
	resp, err := sp.Relay.OpenStream(r.Context(), creds, streamID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultPlaylistType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	buf := sp.BufferPool.Get()
	defer sp.BufferPool.Put(buf)
	chunk := buf.B

	var total int64
	defer func() { metrics.BytesStreamed.Add(float64(total)) }()

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if _, err := w.Write(chunk[:n]); err != nil {
				logger.Debug("{proxy/stream - Stream} client went away after %d bytes: %v", total, err)
				return nil
			}
			total += int64(n)
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				logger.Debug("{proxy/stream - Stream} flush failed: %v", err)
				return nil
			}
		}
		if readErr == io.EOF {
			logger.Debug("{proxy/stream - Stream} stream %s finished, %d bytes", streamID, total)
			return nil
		}
		if readErr != nil {
			if r.Context().Err() == nil {
				logger.Warn("{proxy/stream - Stream} upstream read for stream %s failed after %d bytes: %v", streamID, total, readErr)
			}
			return nil
		}
	}
}
