package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tcmartin/flowconsole/pkg/models"
)

type flowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// stepRequest lets clients omit enabled; the outer field shadows the
// embedded one during decoding
type stepRequest struct {
	models.Step
	Enabled *bool `json:"enabled"`
}

func (req stepRequest) step(enabledDefault bool) (models.Step, error) {
	st := req.Step
	st.Enabled = enabledDefault
	if req.Enabled != nil {
		st.Enabled = *req.Enabled
	}
	st.Normalize()
	return st, st.Validate()
}

// handleListFlows handles listing flows
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Flows())
}

// handleCreateFlow handles flow creation
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Flow name is required")
		return
	}

	writeJSON(w, http.StatusCreated, s.store.CreateFlow(req.Name, req.Description))
}

// handleGetFlow handles retrieving a flow
func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.store.Flow(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// handleUpdateFlow renames a flow or changes its description
func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req flowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Flow name is required")
		return
	}

	ok := s.store.UpdateFlow(id, func(f *models.Flow) {
		f.Name = req.Name
		f.Description = req.Description
	})
	if !ok {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}
	flow, _ := s.store.Flow(id)
	writeJSON(w, http.StatusOK, flow)
}

// handleDeleteFlow handles deleting a flow
func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if !s.store.DeleteFlow(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportFlow adds a flow from a YAML document in the request body
func (s *Server) handleImportFlow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	flow, err := s.loader.Parse(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.store.AddFlow(flow))
}

// handleExportFlow renders a flow as a YAML document
func (s *Server) handleExportFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.store.Flow(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}

	out, err := s.loader.Export(flow)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", flow.Name+".yaml"))
	w.Write(out)
}

// handleSetActiveFlow selects the flow later runs use; an empty id clears it
func (s *Server) handleSetActiveFlow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.store.SetActiveFlow(req.ID) {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"activeFlowId": s.store.ActiveFlowID()})
}

// handleAddStep appends a step to a flow
func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	step, err := req.step(true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	added, ok := s.store.AddStep(mux.Vars(r)["id"], step)
	if !ok {
		writeError(w, http.StatusNotFound, "Flow not found")
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

// handleUpdateStep replaces the editable fields of a step
func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req stepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	step, err := req.step(true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok := s.store.UpdateStep(vars["id"], vars["stepId"], func(st *models.Step) {
		st.ActionType = step.ActionType
		st.ElementSelector = step.ElementSelector
		st.Value = step.Value
		st.WaitTime = step.WaitTime
		st.Description = step.Description
		if req.Enabled != nil {
			st.Enabled = *req.Enabled
		}
	})
	if !ok {
		writeError(w, http.StatusNotFound, "Step not found")
		return
	}
	flow, _ := s.store.Flow(vars["id"])
	writeJSON(w, http.StatusOK, flow)
}

// handleDeleteStep removes a step from a flow
func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !s.store.DeleteStep(vars["id"], vars["stepId"]) {
		writeError(w, http.StatusNotFound, "Step not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReorderSteps moves the step at from to position to
func (s *Server) handleReorderSteps(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.store.ReorderSteps(id, req.From, req.To) {
		writeError(w, http.StatusBadRequest, "Invalid flow or step positions")
		return
	}
	flow, _ := s.store.Flow(id)
	writeJSON(w, http.StatusOK, flow)
}

// handleListElements returns the element library
func (s *Server) handleListElements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Elements())
}

// handleAddElement adds or replaces an element library entry
func (s *Server) handleAddElement(w http.ResponseWriter, r *http.Request) {
	var el models.ElementSelector
	if !decodeJSON(w, r, &el) {
		return
	}
	if err := el.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if el.Label == "" {
		el.Label = el.SelectorValue
	}
	writeJSON(w, http.StatusCreated, s.store.AddElement(el))
}

// handleDeleteElement removes an element library entry
func (s *Server) handleDeleteElement(w http.ResponseWriter, r *http.Request) {
	if !s.store.DeleteElement(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "Element not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListLogs returns the operator log buffer
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Logs())
}

// handleClearLogs empties the operator log buffer
func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.store.ClearLogs()
	w.WriteHeader(http.StatusNoContent)
}
