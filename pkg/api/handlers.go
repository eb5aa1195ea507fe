package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"

	"taskpipe/pkg/api/router"
	"taskpipe/pkg/store"
	"taskpipe/pkg/task"
)

func (s *Server) submit(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if s.d.MaxPayload > 0 && int64(len(body)) > s.d.MaxPayload {
		router.WriteJSONError(ctx, fasthttp.StatusRequestEntityTooLarge,
			fmt.Sprintf("payload exceeds %d bytes", s.d.MaxPayload))
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid json")
		return
	}
	// fasthttp reuses the request buffer once the handler returns
	payload := make(json.RawMessage, len(body))
	copy(payload, body)

	id, err := s.d.Pipeline.TrySubmit(payload)
	if err != nil {
		s.log.Debug("submit_rejected", "error", err)
		writeErr(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusAccepted, map[string]string{"id": id.String()})
}

func (s *Server) listResults(ctx *fasthttp.RequestCtx) {
	recs, err := s.d.Store.ListResults(router.QueryInt(ctx, "limit", defaultListLimit))
	if err != nil {
		writeErr(ctx, err)
		return
	}
	if recs == nil {
		recs = []task.Record{}
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"results": recs})
}

func (s *Server) listDeadLetters(ctx *fasthttp.RequestCtx) {
	recs, err := s.d.Store.ListDeadLetters(router.QueryInt(ctx, "limit", defaultListLimit))
	if err != nil {
		writeErr(ctx, err)
		return
	}
	if recs == nil {
		recs = []store.DeadLetterRecord{}
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"dead_letters": recs})
}

type replayRequest struct {
	IDs []string `json:"ids"`
}

type replayResponse struct {
	Replayed []string `json:"replayed"`
	Missing  []string `json:"missing,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// replayDeadLetters requeues the given dead letters and removes them from
// the store. With no ids every stored entry is replayed.
func (s *Server) replayDeadLetters(ctx *fasthttp.RequestCtx) {
	var req replayRequest
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid json")
			return
		}
	}
	var recs []store.DeadLetterRecord
	resp := replayResponse{Replayed: []string{}}
	if len(req.IDs) == 0 {
		all, err := s.d.Store.ListDeadLetters(0)
		if err != nil {
			writeErr(ctx, err)
			return
		}
		recs = all
	} else {
		for _, id := range req.IDs {
			rec, err := s.d.Store.GetDeadLetter(id)
			if errors.Is(err, store.ErrNotFound) {
				resp.Missing = append(resp.Missing, id)
				continue
			}
			if err != nil {
				writeErr(ctx, err)
				return
			}
			recs = append(recs, rec)
		}
	}

	for _, rec := range recs {
		item, err := rec.WorkItem()
		if err != nil {
			resp.Missing = append(resp.Missing, rec.ID)
			continue
		}
		if err := s.d.Pipeline.TryRequeue(item); err != nil {
			resp.Error = err.Error()
			s.audit.Warn("dead_letter_replay_stopped", "replayed", len(resp.Replayed), "error", err)
			code := statusFor(err)
			if code == fasthttp.StatusServiceUnavailable {
				ctx.Response.Header.Set("Retry-After", "1")
			}
			_ = router.WriteJSON(ctx, code, resp)
			return
		}
		if err := s.d.Store.DeleteDeadLetter(rec.ID); err != nil {
			s.log.Error("dead_letter_delete_failed", "id", rec.ID, "error", err)
		}
		resp.Replayed = append(resp.Replayed, rec.ID)
	}
	s.audit.Info("dead_letters_replayed", "count", len(resp.Replayed), "missing", len(resp.Missing))

	status := fasthttp.StatusOK
	if len(req.IDs) > 0 && len(resp.Replayed) == 0 {
		status = fasthttp.StatusNotFound
	}
	_ = router.WriteJSON(ctx, status, resp)
}

func (s *Server) deleteDeadLetter(ctx *fasthttp.RequestCtx) {
	id := router.PathParam(ctx, "id")
	if err := s.d.Store.DeleteDeadLetter(id); err != nil {
		writeErr(ctx, err)
		return
	}
	s.audit.Info("dead_letter_deleted", "id", id)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) stats(ctx *fasthttp.RequestCtx) {
	out := map[string]any{
		"orchestrator": s.d.Pipeline.Stats(),
	}
	if st, err := s.d.Store.Stats(); err == nil {
		out["store"] = st
	} else {
		out["store"] = map[string]string{"error": err.Error()}
	}
	if s.d.Extra != nil {
		for k, v := range s.d.Extra() {
			out[k] = v
		}
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) pause(ctx *fasthttp.RequestCtx) {
	s.d.Pipeline.Pause()
	s.audit.Info("admin_pause")
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]bool{"paused": s.d.Pipeline.Paused()})
}

func (s *Server) resume(ctx *fasthttp.RequestCtx) {
	s.d.Pipeline.Resume()
	s.audit.Info("admin_resume")
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]bool{"paused": s.d.Pipeline.Paused()})
}

func (s *Server) purge(ctx *fasthttp.RequestCtx) {
	if s.d.Purge == nil {
		router.WriteJSONError(ctx, fasthttp.StatusNotImplemented, "retention not configured")
		return
	}
	n, err := s.d.Purge(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]int{"purged": n})
}

func (s *Server) healthz(ctx *fasthttp.RequestCtx) {
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(ctx *fasthttp.RequestCtx) {
	switch {
	case !s.d.Store.Ready():
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "store not ready")
	case s.d.Pipeline.Degraded():
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "pipeline degraded")
	default:
		ver := s.d.Version
		if ver == "" {
			ver = "dev"
		}
		_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok", "version": ver})
	}
}
