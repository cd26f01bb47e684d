package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qpack/internal/prepacker"
	"github.com/samcharles93/qpack/pkg/prepack"
	"github.com/samcharles93/qpack/pkg/qnbit"
)

// Server exposes a read-only view of a prepacked weight cache.
type Server struct {
	container *prepack.WeightsContainer
	dispatch  *qnbit.Dispatch
	features  qnbit.Features
	started   time.Time
	clock     func() time.Time

	mu        sync.RWMutex
	results   []prepacker.Result
	diskBlobs int
	skipped   int
}

func NewServer(container *prepack.WeightsContainer, dispatch *qnbit.Dispatch, features qnbit.Features) *Server {
	now := time.Now
	return &Server{
		container: container,
		dispatch:  dispatch,
		features:  features,
		started:   now(),
		clock:     now,
	}
}

// SetLoadResults records the outcome of the pass that filled the container.
func (s *Server) SetLoadResults(results []prepacker.Result, diskBlobs, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = results
	s.diskBlobs = diskBlobs
	s.skipped = skipped
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/prepack/stats", s.handleStats)
	e.GET("/v1/prepack/weights", s.handleListWeights)
	e.GET("/v1/prepack/weights/:key", s.handleGetWeight)
	e.GET("/v1/prepack/dispatch", s.handleDispatch)
}

func (s *Server) handleStats(c *echo.Context) error {
	resp := StatsResponse{
		Object:     "prepack.stats",
		Weights:    s.container.NumberOfElements(),
		UptimeSecs: int64(s.clock().Sub(s.started).Seconds()),
	}
	for _, key := range s.container.Keys() {
		if w, err := s.container.GetWeight(key); err == nil {
			resp.Bytes += int64(w.TotalSize())
		}
	}

	allocs := s.container.Allocators()
	devices := make([]string, 0, len(allocs))
	for dev := range allocs {
		devices = append(devices, dev)
	}
	sort.Strings(devices)
	for _, dev := range devices {
		info := allocs[dev]
		resp.Allocators = append(resp.Allocators, AllocatorResponse{Device: info.Device, ID: info.ID.String(), Arena: info.Arena})
	}

	s.mu.RLock()
	if len(s.results) > 0 {
		resp.Sources = make(map[string]int)
		for _, r := range s.results {
			resp.Sources[r.Source.String()]++
		}
	}
	resp.DiskBlobs = s.diskBlobs
	resp.SkippedBlob = s.skipped
	s.mu.RUnlock()

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListWeights(c *echo.Context) error {
	names := s.weightNames()
	keys := s.container.Keys()
	resp := WeightListResponse{Object: "list", Data: make([]WeightResponse, 0, len(keys))}
	for _, key := range keys {
		w, err := s.container.GetWeight(key)
		if err != nil {
			// Removed between Keys and GetWeight.
			continue
		}
		item := weightResponse(key, w, names[key])
		item.BufferSizes = nil
		resp.Data = append(resp.Data, item)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetWeight(c *echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return writeBadRequest(c, "key is required")
	}
	w, err := s.container.GetWeight(key)
	if errors.Is(err, prepack.ErrMissingKey) {
		return writeNotFound(c, "prepacked weight "+key+" not found")
	}
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	return c.JSON(http.StatusOK, weightResponse(key, w, s.weightNames()[key]))
}

func (s *Server) handleDispatch(c *echo.Context) error {
	resp := DispatchResponse{
		Object:       "prepack.dispatch",
		Backend:      s.dispatch.Backend,
		Features:     s.features.String(),
		ComputeTypes: []string{},
	}
	for _, ct := range s.dispatch.ComputeTypes() {
		resp.ComputeTypes = append(resp.ComputeTypes, ct.String())
	}
	return c.JSON(http.StatusOK, resp)
}

// weightNames maps each key to the weights that resolved to it.
func (s *Server) weightNames() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string)
	for _, r := range s.results {
		out[r.Key] = append(out[r.Key], r.WeightName)
	}
	return out
}

func weightResponse(key string, w prepack.PrePackedWeights, names []string) WeightResponse {
	opType, _, _ := strings.Cut(key, "+")
	return WeightResponse{
		Object:      "prepack.weight",
		Key:         key,
		OpType:      opType,
		Buffers:     len(w.Buffers),
		Bytes:       w.TotalSize(),
		BufferSizes: append([]int(nil), w.BufferSizes...),
		Weights:     names,
	}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}
