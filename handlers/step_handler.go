package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"meetup-server/middleware"
	"meetup-server/services"
	"meetup-server/utils/errors"
)

type StepHandler struct {
	pedometer *services.PedometerService
}

func NewStepHandler(pedometer *services.PedometerService) *StepHandler {
	return &StepHandler{pedometer: pedometer}
}

func (h *StepHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.pedometer.GetStats(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *StepHandler) AddSteps(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Steps int `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	snapshot, err := h.pedometer.AddSteps(r.Context(), input.Steps)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *StepHandler) SetGoal(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Goal int `json:"goal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	snapshot, err := h.pedometer.SetGoal(r.Context(), input.Goal)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *StepHandler) History(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	history, err := h.pedometer.GetStepHistory(r.Context(), days)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"history": history, "count": len(history)})
}

func (h *StepHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.pedometer.ResetStats(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Step stats reset"})
}

func (h *StepHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Steps int `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		middleware.WriteError(w, errors.ErrInvalidInput)
		return
	}

	snapshot, err := h.pedometer.SimulateSteps(r.Context(), input.Steps)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *StepHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if err := h.pedometer.SyncFromSensor(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	snapshot, err := h.pedometer.GetStats(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
