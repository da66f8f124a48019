package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"web_editor/internal/metrics"
	"web_editor/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBlobSize = 8 << 20

func (s *HttpServer) HandlePostBlob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		data, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize+1))
		if err != nil {
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}
		if len(data) > maxBlobSize {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(data) == 0 {
			http.Error(w, "empty payload", http.StatusBadRequest)
			return
		}

		key := newID()
		b := &Blob{
			Data:        data,
			Encoding:    r.Header.Get("Content-Encoding"),
			ContentType: r.Header.Get("Content-Type"),
		}
		if err := s.blobs.Put(ctx, key, b, s.cfg.BlobTTL); err != nil {
			log.Error("store blob failed", log.BlobKey(key), zap.Error(err))
			http.Error(w, "store failed", http.StatusInternalServerError)
			return
		}
		metrics.BlobsStored.Inc()
		log.Debug("blob stored", log.BlobKey(key), zap.Int("bytes", len(data)))

		w.Header().Set("Location", "/blob/"+key)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"key": key})
	}
}

func (s *HttpServer) HandleGetBlob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := mux.Vars(r)["key"]

		b, err := s.blobs.Get(ctx, key)
		if err != nil {
			log.Error("load blob failed", log.BlobKey(key), zap.Error(err))
			http.Error(w, "load failed", http.StatusInternalServerError)
			return
		}
		if b == nil {
			http.NotFound(w, r)
			return
		}

		contentType := b.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		if b.Encoding != "" {
			w.Header().Set("Content-Encoding", b.Encoding)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		w.Write(b.Data)
	}
}
