package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/transcriptstore"
)

const maxBatchBodyBytes = 64 << 20

// handleBatch transcribes one uploaded WAV clip and responds with a single
// final transcript event. The clip runs through the same session machinery
// as streaming audio, with VAD off so the whole clip is one utterance.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	wavBytes, err := readBatchAudio(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pcm, sampleRate, channels, err := audio.DecodeWAV(bytes.NewReader(wavBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid wav payload: "+err.Error())
		return
	}
	pcm = audio.DownmixToMono(pcm, channels)
	if len(pcm) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no audio in payload")
		return
	}

	cfg := s.manager.Defaults()
	cfg.Source = pipeline.SourceBuffer
	cfg.PCM = pcm
	cfg.SampleRate = sampleRate
	cfg.PartialResults = false
	cfg.VADEnabled = false
	if v := formOrQuery(r, "engine"); v != "" {
		cfg.Engine = v
	}
	if v := formOrQuery(r, "language"); v != "" {
		cfg.Language = v
	}
	if v := formOrQuery(r, "model_size"); v != "" {
		cfg.ModelSize = v
	}

	sink := pipeline.NewCollectSink()
	session, err := s.manager.CreateSession(cfg, s.sinks(sink))
	if err != nil {
		var unsupportedErr *pipeline.UnsupportedConfigurationError
		switch {
		case errors.As(err, &unsupportedErr):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, pipeline.ErrSessionLimit):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	defer func() { _ = session.Stop() }()

	if s.store != nil {
		if err := s.store.AppendSession(r.Context(), session.ID(), cfg.Engine, string(cfg.Source)); err != nil {
			s.log.Warn("failed to record session", slog.String("error", err.Error()))
		}
	}

	if err := session.Start(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	select {
	case <-session.Done():
	case <-r.Context().Done():
		writeError(w, http.StatusRequestTimeout, "request canceled")
		return
	}

	finals := sink.Finals()
	if len(finals) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "no transcript produced")
		return
	}
	final := finals[0]
	if final.Error != "" {
		writeJSON(w, http.StatusBadGateway, final)
		return
	}
	writeJSON(w, http.StatusOK, final)
}

func readBatchAudio(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBodyBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxBatchBodyBytes); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}

func formOrQuery(r *http.Request, key string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return r.URL.Query().Get(key)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	devices, err := audio.ListDevices(ctx, s.cfg.Audio.ListCommand)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if devices == nil {
		devices = []audio.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.List()})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	transcripts, err := s.store.ListTranscripts(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if transcripts == nil {
		transcripts = []transcriptstore.Transcript{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"transcripts": transcripts,
	})
}
