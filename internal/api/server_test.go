package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qpack/internal/prepacker"
	"github.com/samcharles93/qpack/pkg/prepack"
	"github.com/samcharles93/qpack/pkg/qnbit"
)

func newTestServer(t *testing.T) (*echo.Echo, string) {
	t.Helper()

	c := prepack.NewWeightsContainer()
	alloc, err := c.GetOrCreateAllocator(prepack.CPU)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	w := prepack.PrePackedWeights{Allocator: alloc}
	w.Append(alloc.Alloc(96))
	w.Append(alloc.Alloc(32))
	key := prepack.Key(prepacker.OpMatMulNBits, w)
	if !c.WriteWeight(key, w) {
		t.Fatalf("WriteWeight(%s) did not store", key)
	}

	features := qnbit.Features{ASIMD: true, ASIMDDP: true}
	s := NewServer(c, qnbit.SelectDispatch(features), features)
	s.SetLoadResults([]prepacker.Result{
		{WeightName: "fc1", Key: key, Source: prepacker.SourceDisk},
		{WeightName: "fc1_tied", Key: key, Source: prepacker.SourceDisk},
	}, 1, 0)

	e := echo.New()
	s.Register(e)
	return e, key
}

func doGet(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %T: %v body=%s", out, err, rec.Body.String())
	}
	return out
}

func TestStats(t *testing.T) {
	t.Parallel()

	e, _ := newTestServer(t)
	rec := doGet(t, e, "/v1/prepack/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status: got %d body=%s", rec.Code, rec.Body.String())
	}
	stats := decode[StatsResponse](t, rec)
	if stats.Weights != 1 || stats.Bytes != 128 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if len(stats.Allocators) != 1 || stats.Allocators[0].Device != prepack.CPU || stats.Allocators[0].ID == "" {
		t.Fatalf("unexpected allocators: %+v", stats.Allocators)
	}
	if stats.Sources["disk"] != 2 || stats.DiskBlobs != 1 {
		t.Fatalf("unexpected load summary: %+v", stats)
	}
}

func TestListAndGetWeight(t *testing.T) {
	t.Parallel()

	e, key := newTestServer(t)
	rec := doGet(t, e, "/v1/prepack/weights")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: got %d body=%s", rec.Code, rec.Body.String())
	}
	list := decode[WeightListResponse](t, rec)
	if len(list.Data) != 1 || list.Data[0].Key != key || list.Data[0].OpType != prepacker.OpMatMulNBits {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = doGet(t, e, "/v1/prepack/weights/"+key)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", rec.Code, rec.Body.String())
	}
	w := decode[WeightResponse](t, rec)
	if w.Buffers != 2 || w.Bytes != 128 || len(w.BufferSizes) != 2 || w.BufferSizes[0] != 96 {
		t.Fatalf("unexpected weight: %+v", w)
	}
	if strings.Join(w.Weights, ",") != "fc1,fc1_tied" {
		t.Fatalf("unexpected weight names: %v", w.Weights)
	}
}

func TestGetMissingWeight(t *testing.T) {
	t.Parallel()

	e, _ := newTestServer(t)
	rec := doGet(t, e, "/v1/prepack/weights/MatMulNBits+00")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "not_found_error") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	e, _ := newTestServer(t)
	rec := doGet(t, e, "/v1/prepack/dispatch")
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch status: got %d body=%s", rec.Code, rec.Body.String())
	}
	d := decode[DispatchResponse](t, rec)
	if d.Backend != "neon" {
		t.Fatalf("unexpected backend %q", d.Backend)
	}
	joined := strings.Join(d.ComputeTypes, ",")
	if !strings.Contains(joined, qnbit.CompInt8.String()) || strings.Contains(joined, qnbit.CompFp16.String()) {
		t.Fatalf("unexpected compute types %q", joined)
	}
}
