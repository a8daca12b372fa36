package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/flowoffload/pkg/engine"
	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/logging"
	"github.com/psaab/flowoffload/pkg/offload"
)

const (
	// defaultFlowLimit caps /api/v1/flows when no limit is given.
	defaultFlowLimit = 1000
	// flowsTimeout bounds the wait for busy offload workers to answer.
	flowsTimeout = 2 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
		Driver: s.driver,
	}
	if s.engine != nil {
		snap := s.engine.Stats()
		resp.Shards = len(snap.Shards)
		resp.Classifiers = len(snap.Classifiers)
		resp.Active = snap.Totals.Active
	}
	if s.eventBuf != nil {
		resp.EventsTotal = s.eventBuf.Total()
	}
	writeOK(w, resp)
}

func (s *Server) statisticsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	writeOK(w, s.engine.Stats())
}

// queryInt reads an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// flowsHandler lists flow table entries, of one shard with ?shard=N or of
// every shard otherwise. ?limit= caps the entries per shard.
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	limit, err := queryInt(r, "limit", defaultFlowLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shards := make([]int, 0, s.engine.Shards())
	if r.URL.Query().Has("shard") {
		shard, err := queryInt(r, "shard", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		shards = append(shards, shard)
	} else {
		for i := 0; i < s.engine.Shards(); i++ {
			shards = append(shards, i)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), flowsTimeout)
	defer cancel()
	resp := make([]FlowsResponse, 0, len(shards))
	for _, shard := range shards {
		fis, err := s.engine.Flows(ctx, shard, limit)
		if errors.Is(err, engine.ErrNoSuchShard) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		fr := FlowsResponse{Shard: shard, Count: len(fis), Flows: make([]FlowEntry, 0, len(fis))}
		for _, fi := range fis {
			fr.Flows = append(fr.Flows, flowEntry(fi))
		}
		resp = append(resp, fr)
	}
	writeOK(w, resp)
}

func flowEntry(fi offload.FlowInfo) FlowEntry {
	return FlowEntry{
		Shard:        fi.Shard,
		Protocol:     flow.ProtoName(fi.Key.Protocol),
		SrcAddr:      fi.Key.Src().String(),
		DstAddr:      fi.Key.Dst().String(),
		InPort:       uint16(fi.InPort),
		OutPort:      uint16(fi.Target.Port),
		HairpinQueue: fi.Target.HairpinQueue,
		HairpinCount: fi.Target.HairpinCount,
		State:        fi.State.String(),
		Handle:       fi.Handle.String(),
		Installed:    fi.Installed,
		Packets:      fi.Counters.Packets,
		Bytes:        fi.Counters.Bytes,
		IdleSeconds:  fi.Counters.LastHit.Seconds(),
	}
}

// eventsHandler returns recent offload events, newest first. Supports
// ?type=, ?protocol=, ?shard= and ?limit=.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := s.eventBuf.LatestFiltered(limit, f)
	if events == nil {
		events = []logging.EventRecord{}
	}
	writeOK(w, events)
}

func parseEventFilter(r *http.Request) (logging.EventFilter, error) {
	q := r.URL.Query()
	f := logging.EventFilter{Type: q.Get("type"), Protocol: q.Get("protocol")}
	if q.Has("shard") {
		shard, err := queryInt(r, "shard", 0)
		if err != nil {
			return f, err
		}
		f.HasShard, f.Shard = true, shard
	}
	return f, nil
}

func (s *Server) policyHandler(w http.ResponseWriter, _ *http.Request) {
	if s.policy == nil {
		writeError(w, http.StatusNotFound, "no rule policy configured")
		return
	}
	writeOK(w, map[string]any{
		"default": s.policy.Default.String(),
		"terms":   s.policy.Hits(),
	})
}

func (s *Server) portsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.ports == nil {
		writeOK(w, []any{})
		return
	}
	writeOK(w, s.ports.Ports())
}

// removeFlowHandler queues the removal of one flow on its owning shard.
// The removal is asynchronous; the response only says it was queued.
func (s *Server) removeFlowHandler(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	var req RemoveFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	k, err := flow.ParseKey(req.Protocol, req.Src, req.Dst)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := RemoveFlowResponse{Shard: s.engine.ShardFor(k), Queued: s.engine.RequestRemove(k)}
	if !resp.Queued {
		writeJSON(w, http.StatusServiceUnavailable, Response{Success: false, Data: resp, Error: "remove queue full"})
		return
	}
	writeOK(w, resp)
}
