package daemonrun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"conveyor/internal/locator"
	"conveyor/internal/logging"
	"conveyor/internal/pipeline"
	"conveyor/internal/queue"
	"conveyor/internal/testsupport"
)

func TestMediaStagesSkipCaptionsWhenTranscriberUnset(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if cfg.Transcriber.URL != "" {
		t.Fatal("test requires the default unconfigured transcriber")
	}

	transcoderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OutputRef string `json:"output_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := os.WriteFile(req.OutputRef, make([]byte, 2048), 0o644); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"output_ref": req.OutputRef})
	}))
	defer transcoderSrv.Close()
	cfg.Transcoder.URL = transcoderSrv.URL

	loc := locator.New(cfg, logging.NewNop(), nil)
	testsupport.WriteMediaFile(t, cfg.Locations[0].Root, "episode.mkv", time.Now())

	var transform pipeline.Handler
	for _, stage := range mediaStages(cfg, loc, logging.NewNop()) {
		if stage.Name() == pipeline.StageTransform {
			transform = stage
		}
	}
	if transform == nil {
		t.Fatal("transform stage missing from the media pipeline")
	}

	job := &queue.Job{
		ID:          "job-no-captions",
		Kind:        queue.KindProcessMedia,
		LocationID:  "primary",
		PayloadPath: "episode.mkv",
	}
	if err := transform.Execute(context.Background(), job); err != nil {
		t.Fatalf("transform without a transcriber failed: %v", err)
	}
	if job.OutputRef == "" {
		t.Fatal("expected a promoted output ref")
	}
}
