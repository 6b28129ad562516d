package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"cloudsentry/pkg/cloudtrail"
	"cloudsentry/pkg/detection"
	"cloudsentry/pkg/geo"
	"cloudsentry/pkg/registry"
	"cloudsentry/pkg/store"
	"cloudsentry/pkg/verdict"
)

type server struct {
	log       *logrus.Logger
	pipeline  *detection.Pipeline
	registry  *registry.Registry
	store     *store.Store
	geo       *geo.Resolver
	modelName string
}

type trainRequest struct {
	Events json.RawMessage `json:"events"`
	Labels json.RawMessage `json:"labels,omitempty"`
}

type trainResponse struct {
	Summary *detection.TrainSummary `json:"summary"`
	Skipped int                     `json:"skipped_records"`
	ModelID string                  `json:"model_id,omitempty"`
}

func (s *server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	parsed, err := cloudtrail.ParseRecords(req.Events)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse events: "+err.Error())
		return
	}

	var labels cloudtrail.LabelSet
	if len(req.Labels) > 0 {
		labels, err = cloudtrail.ParseLabels(req.Labels)
		if err != nil {
			writeError(w, http.StatusBadRequest, "parse labels: "+err.Error())
			return
		}
	}

	summary, err := s.pipeline.Train(parsed.Records, labels)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := trainResponse{Summary: summary, Skipped: parsed.Skipped}
	if s.registry != nil {
		art, err := registry.SnapshotArtifact(s.pipeline)
		if err != nil {
			s.log.WithError(err).Warn("snapshot trained model")
		} else {
			metrics := map[string]float64{"anomaly_offset": summary.AnomalyOffset}
			if summary.Classifier != nil {
				metrics["val_f1_macro"] = summary.Classifier.Validation.F1Macro
				metrics["cv_f1_mean"] = summary.Classifier.CVF1Mean
			}
			meta, regErr := s.registry.Register(r.Context(), s.modelName, summary.RunID, art, metrics)
			if regErr != nil {
				s.log.WithError(regErr).Warn("register trained model")
			} else {
				resp.ModelID = meta.ModelID
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type detectResponse struct {
	Summary *detection.DetectSummary `json:"summary"`
	Skipped int                      `json:"skipped_records"`
}

func (s *server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	parsed, err := cloudtrail.ParseRecords(req.Events)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse events: "+err.Error())
		return
	}

	summary, err := s.pipeline.Detect(parsed.Records)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, detection.ErrNotTrained) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	s.annotate(summary.Verdicts, parsed.Records)

	if s.store != nil {
		if err := s.store.InsertBatch(r.Context(), summary.RunID, summary.Verdicts); err != nil {
			s.log.WithError(err).Error("persist verdicts")
		}
	}
	writeJSON(w, http.StatusOK, detectResponse{Summary: summary, Skipped: parsed.Skipped})
}

// annotate attaches the originating actor and, when a geo database is
// loaded, the source location to each verdict.
func (s *server) annotate(verdicts []verdict.Verdict, records []cloudtrail.Record) {
	byID := make(map[string]cloudtrail.Record, len(records))
	for _, rec := range records {
		byID[rec.EventID] = rec
	}
	for i := range verdicts {
		rec, ok := byID[verdicts[i].EventID]
		if !ok {
			continue
		}
		verdicts[i].Actor = rec.UserName
		if loc := s.geo.Resolve(rec.SourceIPAddress); loc != nil {
			verdicts[i].Country = loc.CountryName
			verdicts[i].City = loc.CityName
		}
	}
}

func (s *server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "verdict store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var (
		rows []store.StoredVerdict
		err  error
	)
	if actor := r.URL.Query().Get("actor"); actor != "" {
		rows, err = s.store.ActorHistory(r.Context(), actor, limit)
	} else {
		rows, err = s.store.Recent(r.Context(), r.URL.Query().Get("severity"), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": rows, "count": len(rows)})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "detector",
		"trained": s.pipeline.Trained(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
