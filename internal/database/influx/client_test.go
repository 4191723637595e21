package influx

import (
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/stratumbridge/internal/messaging"
)

type fakeWriter struct {
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) { f.points = append(f.points, p) }
func (f *fakeWriter) Flush()                    { f.flushes++ }

func newTestClient() (*Client, *fakeWriter) {
	w := &fakeWriter{}
	return &Client{writeAPI: w, bucket: "bridge", org: "test"}, w
}

func tagMap(p *write.Point) map[string]string {
	m := make(map[string]string)
	for _, t := range p.TagList() {
		m[t.Key] = t.Value
	}
	return m
}

func fieldMap(p *write.Point) map[string]any {
	m := make(map[string]any)
	for _, f := range p.FieldList() {
		m[f.Key] = f.Value
	}
	return m
}

func TestClient_WriteShare(t *testing.T) {
	c, w := newTestClient()
	at := time.Unix(1700000000, 0)

	c.WriteShare(&messaging.ShareEvent{Worker: "rig", Status: "rejected", Reason: "duplicate", Difficulty: 8, Height: 100, SubmittedAt: at})
	c.WriteShare(&messaging.ShareEvent{Worker: "rig", Status: "accepted", Difficulty: 8, SubmittedAt: at})

	if len(w.points) != 2 {
		t.Fatalf("points = %d", len(w.points))
	}
	p := w.points[0]
	if p.Name() != "shares" || !p.Time().Equal(at) {
		t.Errorf("point = %s at %v", p.Name(), p.Time())
	}
	tags := tagMap(p)
	if tags["worker"] != "rig" || tags["status"] != "rejected" || tags["reason"] != "duplicate" {
		t.Errorf("tags = %v", tags)
	}
	if fieldMap(p)["difficulty"] != 8.0 {
		t.Errorf("fields = %v", fieldMap(p))
	}
	if _, ok := tagMap(w.points[1])["reason"]; ok {
		t.Error("accepted shares carry no reason tag")
	}
}

func TestClient_WriteBlockAndJob(t *testing.T) {
	c, w := newTestClient()

	c.WriteBlock(&messaging.BlockEvent{BlockHash: "00ff", Height: 101, Status: "accepted", Attempts: 1, SubmittedAt: time.Now()})
	c.WriteJob(&messaging.JobEvent{JobID: "1", Height: 101, Clean: true, Trigger: "hashblock", CreatedAt: time.Now()})
	c.WriteConnections(5, 4, time.Now())

	names := []string{w.points[0].Name(), w.points[1].Name(), w.points[2].Name()}
	if names[0] != "blocks" || names[1] != "jobs" || names[2] != "connections" {
		t.Errorf("measurements = %v", names)
	}
	if tagMap(w.points[1])["clean"] != "true" {
		t.Errorf("job tags = %v", tagMap(w.points[1]))
	}
	if tagMap(w.points[0])["hash"] != "00ff" {
		t.Errorf("block tags = %v", tagMap(w.points[0]))
	}
}

func TestClient_FlushAndClose(t *testing.T) {
	c, w := newTestClient()
	c.Flush()
	c.Close()
	if w.flushes != 2 {
		t.Errorf("flushes = %d, want 2", w.flushes)
	}
}
