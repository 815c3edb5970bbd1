package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeDispatchesOnType(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"heartbeat","available":true,"current_jobs":2}`))
	if err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	hb, ok := frame.(*HeartbeatFrame)
	if !ok {
		t.Fatalf("expected *HeartbeatFrame, got %T", frame)
	}
	if !hb.Available || hb.CurrentJobs != 2 {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := `{"type":"job_status","job_id":"j1","status":"running","future_field":{"nested":true}}`
	frame, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode with unknown fields: %v", err)
	}
	status, ok := frame.(*JobStatusFrame)
	if !ok || status.JobID != "j1" || status.Status != ExecRunning {
		t.Fatalf("unexpected frame: %#v", frame)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"telemetry"}`)); err == nil {
		t.Fatal("unknown frame type must fail")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("malformed frame must fail")
	}
}

func TestJobResultRoundTrip(t *testing.T) {
	in := JobResultFrame{
		Type:  TypeJobResult,
		JobID: "j1",
		Result: JobResult{
			Success:         true,
			Outputs:         json.RawMessage(`{"stdout":"ok"}`),
			ExecutionTimeMS: 1200,
			ActualCostCents: 400,
		},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := frame.(*JobResultFrame)
	if out.Result.ActualCostCents != 400 || !out.Result.Success {
		t.Fatalf("result mangled: %+v", out.Result)
	}
}
