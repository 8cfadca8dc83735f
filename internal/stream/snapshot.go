// Package stream serves the image of the latest cycle, either as a single
// snapshot or as an MJPEG feed that advances once per cycle.
package stream

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/pipeline"
)

// Snapshots keeps the latest cycle image and fans it out to MJPEG clients
type Snapshots struct {
	paths  pipeline.Paths
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	latest  []byte
	cycleID string
	at      time.Time

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
}

// New creates a snapshot store reading the files a cycle writes to paths
func New(paths pipeline.Paths, logger *zap.SugaredLogger) *Snapshots {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Snapshots{
		paths:   paths,
		logger:  logger,
		clients: make(map[chan []byte]struct{}),
	}
}

// OnCycleResult implements pipeline.CycleResultHandler. The marked-up image is
// used when the cycle completed, the raw capture otherwise.
func (s *Snapshots) OnCycleResult(r *pipeline.CycleResult) {
	if r.Failed() && r.Stage == pipeline.StageCapture {
		return
	}

	path := s.paths.Camera
	if !r.Failed() && s.paths.MarkedUp != "" {
		path = s.paths.MarkedUp
	}

	frame, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warnw("Failed to read cycle image", "path", path, "error", err)
		return
	}

	s.mu.Lock()
	s.latest = frame
	s.cycleID = r.ID
	s.at = r.StartedAt
	s.mu.Unlock()

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// slow client, it gets the next cycle
		}
	}
	s.clientsMu.RUnlock()
}

// Latest returns the most recent image, its cycle ID and start time
func (s *Snapshots) Latest() ([]byte, string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.cycleID, s.at
}

// SnapshotHandler serves the latest image as a single JPEG
func (s *Snapshots) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	frame, id, at := s.Latest()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Header().Set("X-Cycle-ID", id)
	_, _ = w.Write(frame)
}

// ServeHTTP streams multipart/x-mixed-replace frames, starting with the
// latest image if there is one
func (s *Snapshots) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := make(chan []byte, 2)
	if frame, _, _ := s.Latest(); frame != nil {
		ch <- frame
	}

	s.clientsMu.Lock()
	s.clients[ch] = struct{}{}
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ch)
		s.clientsMu.Unlock()
	}()

	s.logger.Debugw("MJPEG client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debugw("MJPEG client disconnected", "remote", r.RemoteAddr)
			return
		case frame := <-ch:
			if err := writeFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// ClientCount returns the number of connected MJPEG clients
func (s *Snapshots) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

var _ pipeline.CycleResultHandler = (*Snapshots)(nil)
