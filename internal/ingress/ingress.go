// Package ingress turns external deliveries into stored events. Host
// webhooks, CI callbacks, and schedule ticks all land here; duplicates are
// absorbed by the delivery id, and payloads that do not parse go to the
// dead-letter table instead of crashing the loop.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"crewline/internal/domain"
	"crewline/internal/store"
)

// Ingress writes normalized events. Now is swappable for tests.
type Ingress struct {
	Store store.Store
	Now   func() time.Time
}

func New(s store.Store) Ingress {
	return Ingress{Store: s, Now: time.Now}
}

// MalformedEventError marks a delivery that could not be normalized. The
// payload is already dead-lettered when this is returned.
type MalformedEventError struct {
	Source string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s delivery: %s", e.Source, e.Reason)
}

// hostDelivery is the body of a host webhook. The delivery id arrives in a
// header and doubles as the dedup key.
type hostDelivery struct {
	Kind      string          `json:"kind"`
	SubjectID string          `json:"subject_id"`
	Payload   json.RawMessage `json:"payload"`
}

var hostKinds = map[string]bool{
	domain.EventNewItem:  true,
	domain.EventPROpened: true,
	domain.EventComment:  true,
}

// IngestHost normalizes one host webhook delivery. The bool reports whether
// the event was new; a replayed delivery id is absorbed silently.
func (in Ingress) IngestHost(ctx context.Context, deliveryID string, body []byte) (bool, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return false, in.deadLetter(ctx, "host", body, "missing delivery id")
	}
	var d hostDelivery
	if err := json.Unmarshal(body, &d); err != nil {
		return false, in.deadLetter(ctx, "host", body, "body is not JSON: "+err.Error())
	}
	if !hostKinds[d.Kind] {
		return false, in.deadLetter(ctx, "host", body, "unknown kind "+d.Kind)
	}
	if d.SubjectID == "" {
		return false, in.deadLetter(ctx, "host", body, "missing subject_id")
	}
	return in.append(ctx, domain.Event{
		Kind:      d.Kind,
		SubjectID: d.SubjectID,
		DedupKey:  "host:" + deliveryID,
		Payload:   payloadJSON(d.Payload),
	})
}

// ciCallback is the body a CI system posts when a run finishes.
type ciCallback struct {
	RunID     string `json:"run_id"`
	SubjectID string `json:"subject_id"`
	Status    string `json:"status"`
}

// IngestCI normalizes one CI result callback, dedup'd by run id and status.
func (in Ingress) IngestCI(ctx context.Context, body []byte) (bool, error) {
	var cb ciCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return false, in.deadLetter(ctx, "ci", body, "body is not JSON: "+err.Error())
	}
	if cb.RunID == "" || cb.SubjectID == "" {
		return false, in.deadLetter(ctx, "ci", body, "missing run_id or subject_id")
	}
	if cb.Status != domain.CIPass && cb.Status != domain.CIFail {
		return false, in.deadLetter(ctx, "ci", body, "unknown status "+cb.Status)
	}
	payload, _ := json.Marshal(map[string]string{"run_id": cb.RunID, "status": cb.Status})
	return in.append(ctx, domain.Event{
		Kind:      domain.EventCIResult,
		SubjectID: cb.SubjectID,
		DedupKey:  fmt.Sprintf("ci:%s:%s", cb.RunID, cb.Status),
		Payload:   string(payload),
	})
}

// Tick records a schedule tick. The dedup key is the tick window truncated
// to the interval, so a restarted scheduler cannot double-fire a window.
func (in Ingress) Tick(ctx context.Context, interval time.Duration) (bool, error) {
	now := in.now()
	window := now.Truncate(interval)
	return in.append(ctx, domain.Event{
		Kind:     domain.EventScheduleTick,
		DedupKey: "tick:" + window.UTC().Format(time.RFC3339),
		Payload:  "{}",
	})
}

func (in Ingress) append(ctx context.Context, e domain.Event) (bool, error) {
	e.OccurredAt = in.now().UTC().Format(time.RFC3339)
	tx, err := in.Store.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	_, inserted, err := in.Store.AppendEvent(ctx, tx, e)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if !inserted {
		clog.FromContext(ctx).With("dedup_key", e.DedupKey).Info("duplicate delivery absorbed")
	}
	return inserted, nil
}

// deadLetter records the raw payload and returns a MalformedEventError. A
// failure to record is surfaced instead, since losing the payload silently
// would hide the problem twice.
func (in Ingress) deadLetter(ctx context.Context, source string, body []byte, reason string) error {
	clog.FromContext(ctx).With("source", source, "reason", reason).Warn("dead-lettering delivery")
	err := in.Store.InsertDeadLetter(ctx, domain.DeadLetter{
		Source:     source,
		Payload:    string(body),
		Error:      reason,
		ReceivedAt: in.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return &MalformedEventError{Source: source, Reason: reason}
}

func (in Ingress) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

func payloadJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
