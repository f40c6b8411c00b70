package webapi

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/quadgate/stateforge/pkg/fsmrt"
	"github.com/quadgate/stateforge/pkg/registry"
)

type testEntity struct {
	state fsmrt.State
	t     time.Time
}

func (e *testEntity) CurrentState() fsmrt.State      { return e.state }
func (e *testEntity) SetCurrentState(s fsmrt.State)  { e.state = s }
func (e *testEntity) LastStateChange() time.Time     { return e.t }
func (e *testEntity) SetLastStateChange(t time.Time) { e.t = t }
func (e *testEntity) Complete() bool                 { return false }
func (e *testEntity) SetComplete(bool)               {}

type startEvent struct{}

func testFactory() (*fsmrt.Definition, fsmrt.Entity) {
	b := fsmrt.NewBuilder("IDLE")
	b.State("IDLE").On(startEvent{}, "RUNNING")
	b.State("RUNNING")
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def, &testEntity{state: "IDLE"}
}

func newTestRequest(method, path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	return ctx
}

func TestHealthzReportsResidentCount(t *testing.T) {
	reg := registry.New()
	defer reg.Shutdown(context.Background())
	if _, err := reg.Create(context.Background(), "m1", testFactory); err != nil {
		t.Fatalf("create: %v", err)
	}
	s := New(reg, ":0", nil, nil)

	ctx := newTestRequest("GET", "/healthz")
	s.handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if int(body["residentCount"].(float64)) != 1 {
		t.Fatalf("expected residentCount 1, got %v", body["residentCount"])
	}
}

func TestMetricsDisabledReturns404(t *testing.T) {
	reg := registry.New()
	defer reg.Shutdown(context.Background())
	s := New(reg, ":0", nil, nil)

	ctx := newTestRequest("GET", "/metrics")
	s.handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404 when metrics disabled, got %d", ctx.Response.StatusCode())
	}
}

func TestGetMachineResident(t *testing.T) {
	reg := registry.New()
	defer reg.Shutdown(context.Background())
	if _, err := reg.Create(context.Background(), "m1", testFactory); err != nil {
		t.Fatalf("create: %v", err)
	}
	s := New(reg, ":0", nil, nil)

	ctx := newTestRequest("GET", "/machines/m1")
	s.handle(ctx)

	var body map[string]interface{}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["resident"] != true {
		t.Fatalf("expected resident true, got %v", body["resident"])
	}
	if body["state"] != "IDLE" {
		t.Fatalf("expected state IDLE, got %v", body["state"])
	}
}

func TestGetMachineAbsent(t *testing.T) {
	reg := registry.New()
	defer reg.Shutdown(context.Background())
	s := New(reg, ":0", nil, nil)

	ctx := newTestRequest("GET", "/machines/does-not-exist")
	s.handle(ctx)

	var body map[string]interface{}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["resident"] != false {
		t.Fatalf("expected resident false for an absent machine")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	reg := registry.New()
	defer reg.Shutdown(context.Background())
	s := New(reg, ":0", nil, nil)

	ctx := newTestRequest("GET", "/nope")
	s.handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}
