// Package api exposes the player over HTTP. Handlers never wait for
// playback: Play and Stop return as soon as the scheduler accepted the call.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"midiloop/logx"
	"midiloop/midi"
	"midiloop/sequencer"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 2 * time.Second
)

// Player is the scheduler surface used by the handlers.
type Player interface {
	Play(seq sequencer.Sequence) bool
	Stop()
	Status() sequencer.Status
}

// DeviceLister enumerates MIDI outputs.
type DeviceLister interface {
	Devices() ([]midi.Device, error)
}

type Server struct {
	player  Player
	devices DeviceLister
	log     logx.Logger
	mux     *http.ServeMux
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(player Player, devices DeviceLister, log logx.Logger) *Server {
	s := &Server{
		player:  player,
		devices: devices,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /midi/play", s.handlePlay)
	s.mux.HandleFunc("POST /midi/stop", s.handleStop)
	s.mux.HandleFunc("GET /midi/devices", s.handleDevices)
	s.mux.HandleFunc("GET /midi/status", s.handleStatus)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown error", logx.Err(err))
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	seq, err := sequencer.DecodeSequence(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			status = http.StatusRequestEntityTooLarge
		}
		s.log.Debug("play rejected", logx.Err(err))
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	msg := "Sequence queued"
	if s.player.Play(seq) {
		msg = "Playback started"
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.player.Stop()
	writeJSON(w, http.StatusOK, messageResponse{Message: "Playback stopped"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.Devices()
	if err != nil {
		s.log.Warn("device listing failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if devices == nil {
		devices = []midi.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.player.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
			logx.String("remote_addr", r.RemoteAddr),
		)
	})
}
