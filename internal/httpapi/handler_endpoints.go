package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"pkt.systems/activityd/api"
	"pkt.systems/activityd/internal/apiconv"
	"pkt.systems/activityd/internal/core"
	"pkt.systems/pslog"
)

const defaultHistoryLimit = 20

// handleConnect godoc
// @Summary      Register a master or slave
// @Description  Registers a client and returns its id with the committed state of its scope. Only one master may be connected at a time.
// @Tags         clients
// @Accept       json
// @Produce      json
// @Param        request  body      api.ConnectRequest  true  "Role, scope and optional name"
// @Success      200      {object}  api.ConnectResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      409      {object}  api.ErrorResponse
// @Router       /v1/connect [post]
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	var payload api.ConnectRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return err
	}
	cmd, err := apiconv.ConnectCommand(payload)
	if err != nil {
		return convertCoreError(err)
	}
	res, err := h.svc.Connect(r.Context(), cmd)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, apiconv.ConnectResponse(res, h.machine), nil)
	return nil
}

// handleDisconnect godoc
// @Summary      Deregister a client
// @Description  Removes the client and closes its event stream. Unknown ids succeed.
// @Tags         clients
// @Accept       json
// @Produce      json
// @Param        request  body      api.DisconnectRequest  true  "Client to remove"
// @Success      200      {object}  api.DisconnectResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /v1/disconnect [post]
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	var payload api.DisconnectRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return err
	}
	if err := h.svc.Disconnect(r.Context(), core.ClientID(payload.ClientID)); err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.DisconnectResponse{ClientID: payload.ClientID}, nil)
	return nil
}

// handleState godoc
// @Summary      Query the committed state
// @Tags         state
// @Produce      json
// @Param        scope  query     string  false  "local (default) or all"
// @Success      200    {object}  api.StateResponse
// @Failure      400    {object}  api.ErrorResponse
// @Router       /v1/state [get]
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	raw := strings.TrimSpace(r.URL.Query().Get("scope"))
	if raw == "" {
		raw = api.ScopeLocal
	}
	scope, err := core.ParseScope(raw)
	if err != nil {
		return convertCoreError(err)
	}
	state, err := h.svc.QueryInitialState(scope)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.StateResponse{Scope: string(scope), State: string(state)}, nil)
	return nil
}

// handleTransition godoc
// @Summary      Request a state transition
// @Description  Master only. Suspend and shutdown open a cycle whose outcome is pushed on the event streams. Resume commits immediately, or aborts the open cycle of the same scope.
// @Tags         state
// @Accept       json
// @Produce      json
// @Param        request  body      api.TransitionRequest  true  "Target state and scope"
// @Success      200      {object}  api.TransitionResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      403      {object}  api.ErrorResponse
// @Failure      404      {object}  api.ErrorResponse
// @Failure      409      {object}  api.ErrorResponse
// @Router       /v1/transition [post]
func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	var payload api.TransitionRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return err
	}
	cmd, err := apiconv.TransitionCommand(payload)
	if err != nil {
		return convertCoreError(err)
	}
	res, err := h.svc.RequestTransition(r.Context(), cmd)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, apiconv.TransitionResponse(res), nil)
	return nil
}

// handleAck godoc
// @Summary      Submit a slave verdict
// @Description  Records the verdict while the ack window of the open cycle is accepting replies. Ignored verdicts are reported with a reason, not an error.
// @Tags         state
// @Accept       json
// @Produce      json
// @Param        request  body      api.AckRequest  true  "Verdict"
// @Success      200      {object}  api.AckResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /v1/ack [post]
func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	var payload api.AckRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return err
	}
	cmd, err := apiconv.AckCommand(payload)
	if err != nil {
		return convertCoreError(err)
	}
	res, err := h.svc.SubmitAck(r.Context(), cmd)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, apiconv.AckResponse(res), nil)
	return nil
}

// handleMachine godoc
// @Summary      Report machine availability
// @Description  Forwards a machine availability change to the connected master.
// @Tags         state
// @Accept       json
// @Produce      json
// @Param        request  body      api.MachineRequest  true  "Machine and availability"
// @Success      200      {object}  api.MachineResponse
// @Failure      400      {object}  api.ErrorResponse
// @Router       /v1/machine [post]
func (h *Handler) handleMachine(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	var payload api.MachineRequest
	if err := h.decodeRequest(w, r, &payload); err != nil {
		return err
	}
	delivered, err := h.svc.ReportMachine(r.Context(), payload.Machine, payload.Available)
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.MachineResponse{Delivered: delivered}, nil)
	return nil
}

// handleEvents godoc
// @Summary      Stream client events
// @Description  Streams events for the client as newline-delimited JSON until the client disconnects. One stream per client.
// @Tags         clients
// @Produce      json
// @Param        client_id  query     string  true  "Client id returned by connect"
// @Success      200        {object}  api.Event
// @Failure      404        {object}  api.ErrorResponse
// @Failure      409        {object}  api.ErrorResponse
// @Router       /v1/events [get]
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	id := core.ClientID(strings.TrimSpace(r.URL.Query().Get("client_id")))
	if id == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_client_id", Detail: "client_id query parameter required"}
	}
	events, err := h.svc.Events(id)
	if err != nil {
		return convertCoreError(err)
	}
	if !h.claimStream(id) {
		return httpError{Status: http.StatusConflict, Code: "stream_active", Detail: "client already has an event stream"}
	}
	defer h.releaseStream(id)

	ctx := r.Context()
	logger := pslog.LoggerFromContext(ctx).With("client_id", id)
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()
	logger.Debug("events.stream.open")

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			h.endStream(logger, id)
			return nil
		case ev, ok := <-events:
			if !ok {
				logger.Debug("events.stream.mailbox_closed")
				return nil
			}
			if err := enc.Encode(apiconv.Event(ev)); err != nil {
				h.endStream(logger, id)
				return nil
			}
			if err := rc.Flush(); err != nil {
				h.endStream(logger, id)
				return nil
			}
		}
	}
}

// endStream deregisters the client when its stream went away and reaping is
// enabled. The request context is already done, so a fresh one is used.
func (h *Handler) endStream(logger pslog.Logger, id core.ClientID) {
	if !h.reapOnStreamClose {
		logger.Debug("events.stream.closed")
		return
	}
	logger.Info("events.stream.reaped")
	_ = h.svc.Disconnect(context.Background(), id)
}

// handleStatus godoc
// @Summary      Coordinator status
// @Tags         system
// @Produce      json
// @Success      200  {object}  api.StatusResponse
// @Router       /v1/status [get]
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	h.writeJSON(w, http.StatusOK, apiconv.Status(h.svc.Status()), nil)
	return nil
}

// handleHistory godoc
// @Summary      Recent transition cycles
// @Tags         system
// @Produce      json
// @Param        limit  query     int  false  "Maximum cycles to return (default 20)"
// @Success      200    {object}  api.HistoryResponse
// @Failure      400    {object}  api.ErrorResponse
// @Router       /v1/history [get]
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return methodNotAllowed(http.MethodGet)
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_limit", Detail: "limit must be a positive integer"}
		}
		limit = n
	}
	records, err := h.svc.History(r.Context(), limit)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, apiconv.History(records), nil)
	return nil
}

// handleHealth godoc
// @Summary      Liveness probe
// @Tags         system
// @Produce      plain
// @Success      200  {string}  string  "OK"
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleReady godoc
// @Summary      Readiness probe
// @Tags         system
// @Produce      plain
// @Success      200  {string}  string  "Ready"
// @Failure      503  {object}  api.ErrorResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is not ready"}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
