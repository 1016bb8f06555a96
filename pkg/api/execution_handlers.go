package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/models"
)

// handleGetAutomation returns the configuration snapshot sent with runs
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Automation())
}

// handleSetAutomation replaces the configuration snapshot
func (s *Server) handleSetAutomation(w http.ResponseWriter, r *http.Request) {
	cfg := s.runner.Automation()
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if cfg.Iterations < 1 {
		writeError(w, http.StatusBadRequest, "iterations must be at least 1")
		return
	}
	s.runner.SetAutomation(cfg)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Initialize(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"initialized": true, "steps": s.store.InitSteps()})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Run(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(s.store.Status())})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.runner.Pause(r.Context()))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.runner.Resume(r.Context()))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.runner.Stop(r.Context()))
}

func (s *Server) control(w http.ResponseWriter, err error) {
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.store.Status())})
}

// handleSetStartStep sets the enabled-step offset the next run starts from
func (s *Server) handleSetStartStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.store.SetStartFromStepIndex(req.Index)
	writeJSON(w, http.StatusOK, map[string]int{"startFromStepIndex": s.store.StartFromStepIndex()})
}

// handleRecoveryState returns the pending failure and the decision state
func (s *Server) handleRecoveryState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recovery.Snapshot())
}

// handleRecoveryAction applies one operator decision to the pending failure
func (s *Server) handleRecoveryAction(w http.ResponseWriter, r *http.Request) {
	var err error

	switch action := mux.Vars(r)["action"]; action {
	case "edit":
		err = s.recovery.Edit()
	case "pick":
		var sel models.ElementSelector
		if !decodeJSON(w, r, &sel) {
			return
		}
		err = s.recovery.Pick(sel)
	case "confirm":
		var req struct {
			SelectorType  models.SelectorType `json:"selectorType"`
			SelectorValue string              `json:"selectorValue"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		err = s.recovery.Confirm(req.SelectorType, req.SelectorValue)
	case "cancel":
		err = s.recovery.Cancel()
	case "retry":
		err = s.recovery.Retry()
	case "skip":
		err = s.recovery.Skip()
	case "stop":
		err = s.recovery.Stop()
	case "dismiss":
		err = s.recovery.Dismiss()
	default:
		writeError(w, http.StatusNotFound, "Unknown recovery action "+action)
		return
	}

	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recovery.Snapshot())
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Start(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recording": true})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.recorder.Stop(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.RecordStatus(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleLoadProducts reads a product file on the engine host into the
// automation snapshot
func (s *Server) handleLoadProducts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath string `json:"file_path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}

	res, err := s.engine.LoadProductsFile(r.Context(), req.FilePath)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		writeFailure(w, err)
		return
	}

	cfg := s.runner.Automation()
	cfg.ProductsFile = req.FilePath
	cfg.Products = append([]config.ProductEntry{}, res.Products...)
	s.runner.SetAutomation(cfg)
	s.store.AddLog(models.LogSuccess, "Loaded products from "+req.FilePath)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCaptureElements(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CaptureElements(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePickElements(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.PickElements(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalyzeWindow(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.AnalyzeWindow(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Disconnect(r.Context())
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.store.SetInitialized(false)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EngineURL string `json:"engine_url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EngineURL == "" {
		req.EngineURL = s.runner.Automation().EngineURL
	}

	res, err := s.engine.Reconnect(r.Context(), req.EngineURL)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Entries())
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusNotFound, "No schedules configured")
		return
	}
	if err := s.scheduler.Trigger(mux.Vars(r)["name"]); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(s.store.Status())})
}
