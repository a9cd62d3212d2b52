package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// request is the inbound envelope. id is echoed back untouched.
type request struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

type response struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
	Data any             `json:"data"`
}

type errorData struct {
	Error string `json:"error"`
}

// stateChanging lists requests after which members get a fresh snapshot,
// whether they succeeded or not.
var stateChanging = map[string]bool{
	"join":           true,
	"leave":          true,
	"sendTrack":      true,
	"closeTransport": true,
	"closeProducer":  true,
	"closeConsumer":  true,
}

type handlerFunc func(ctl *SignalWSController, ctx context.Context, sid core.SessionID, body json.RawMessage) (any, error)

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"join":                     (*SignalWSController).handleJoin,
		"leave":                    (*SignalWSController).handleLeave,
		"sync":                     (*SignalWSController).handleSync,
		"ping":                     (*SignalWSController).handlePing,
		"getRouterRtpCapabilities": (*SignalWSController).handleRouterCapabilities,
		"createTransport":          (*SignalWSController).handleCreateTransport,
		"connectTransport":         (*SignalWSController).handleConnectTransport,
		"closeTransport":           (*SignalWSController).handleCloseTransport,
		"sendTrack":                (*SignalWSController).handleSendTrack,
		"receiveTrack":             (*SignalWSController).handleReceiveTrack,
		"pauseConsumer":            (*SignalWSController).handlePauseConsumer,
		"resumeConsumer":           (*SignalWSController).handleResumeConsumer,
		"closeConsumer":            (*SignalWSController).handleCloseConsumer,
		"consumer-set-layers":      (*SignalWSController).handleConsumerSetLayers,
		"pauseProducer":            (*SignalWSController).handlePauseProducer,
		"resumeProducer":           (*SignalWSController).handleResumeProducer,
		"closeProducer":            (*SignalWSController).handleCloseProducer,
	}
}

// handleSignal answers every request exactly once.
func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c *wsSignalConn, data []byte) {
	start := time.Now()
	var req request
	if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad envelope")
		ctl.sendJSON(sid, c, response{Type: "error", Data: errorData{Error: "malformed request"}})
		return
	}
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("type", req.Type).Logger()

	if !ctl.limiter.Allow(sid) {
		logger.Warn().Msg("rate limited")
		ctl.Orch.Metrics.ObserveRequest(req.Type, errRateLimited, time.Since(start))
		ctl.sendJSON(sid, c, response{Type: req.Type, ID: req.ID, Data: errorData{Error: errRateLimited.Error()}})
		return
	}

	before, _, joinedBefore := ctl.Orch.Registry.PeerOf(sid)

	// a kick must not abort engine calls already in flight
	result, err := ctl.dispatch(context.WithoutCancel(ctx), sid, req)
	ctl.Orch.Metrics.ObserveRequest(req.Type, err, time.Since(start))

	resp := response{Type: req.Type, ID: req.ID, Data: result}
	if req.Type == "ping" && err == nil {
		resp.Type = "pong"
	}
	if err != nil {
		logError(logger, err)
		resp.Data = errorData{Error: err.Error()}
	}
	ctl.sendJSON(sid, c, resp)

	if !stateChanging[req.Type] {
		return
	}
	after, _, joinedAfter := ctl.Orch.Registry.PeerOf(sid)
	if joinedBefore {
		ctl.Orch.BroadcastRoom(before)
	}
	if joinedAfter && (!joinedBefore || after != before) {
		ctl.Orch.BroadcastRoom(after)
	}
}

// dispatch runs the handler for req, turning a panic into an error.
func (ctl *SignalWSController) dispatch(ctx context.Context, sid core.SessionID, req request) (result any, err error) {
	h, ok := handlers[req.Type]
	if !ok {
		return nil, domain.BadRequestf("unknown request type %q", req.Type)
	}
	var pc panics.Catcher
	pc.Try(func() { result, err = h(ctl, ctx, sid, req.Body) })
	if r := pc.Recovered(); r != nil {
		log.Error().
			Str("module", "signal").
			Str("sid", string(sid)).
			Str("type", req.Type).
			Str("panic", r.String()).
			Msg("handler panicked")
		return nil, errInternal
	}
	return result, err
}

var (
	errRateLimited = errors.New("rate limited")
	errInternal    = errors.New("internal error")
)

// decode unmarshals and validates a request body.
func decode[T any](ctl *SignalWSController, body json.RawMessage) (T, error) {
	var v T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &v); err != nil {
			return v, domain.BadRequestf("malformed body: %v", err)
		}
	}
	if err := ctl.validate.Struct(v); err != nil {
		return v, domain.BadRequestf("invalid body: %v", err)
	}
	return v, nil
}

func logError(logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrEngine), errors.Is(err, errInternal):
		logger.Error().Err(err).Msg("request failed")
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrIncompatible):
		logger.Warn().Err(err).Msg("request failed")
	default:
		logger.Info().Err(err).Msg("request rejected")
	}
}
