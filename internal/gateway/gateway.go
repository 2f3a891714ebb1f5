// Package gateway implements the gateway uploader: on regained
// internet it pushes SOS-class outbox entries to the cloud sink and
// tracks delivery in the upload ledger.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	goldhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/connectivity"
	"github.com/Srikantmodi/rescuenet/internal/packet"
	"github.com/Srikantmodi/rescuenet/internal/store"
)

const DefaultSyncInterval = 30 * time.Second

// HTTPCloudSink is the default adapters.CloudSink implementation: a POST
// to a configured URL with the timeout passed to NewHTTPCloudSink. It
// carries its own *http.Client
// rather than sharing http.DefaultClient.
type HTTPCloudSink struct {
	URL        string
	HTTPClient *http.Client
}

func NewHTTPCloudSink(url string, timeout time.Duration) *HTTPCloudSink {
	return &HTTPCloudSink{URL: url, HTTPClient: &http.Client{Timeout: timeout}}
}

func (s *HTTPCloudSink) Post(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("cloud sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("cloud sink: post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("cloud sink: read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// Severity is the cloud schema's triage projection.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// CloudBody is the JSON body posted to the cloud sink.
// AdditionalNotesHTML is additive and only set when the originating
// SosPayload opted into Markdown rendering.
type CloudBody struct {
	PacketID            string   `json:"packet_id"`
	VictimName          string   `json:"victim_name"`
	GPSLat              float64  `json:"gps_lat"`
	GPSLong             float64  `json:"gps_long"`
	Severity            Severity `json:"severity"`
	EmergencyType       string   `json:"emergency_type"`
	PacketTrace         []string `json:"packet_trace"`
	AdditionalNotesHTML string   `json:"additional_notes_html,omitempty"`
}

func severityFor(t packet.TriageLevel) Severity {
	switch t {
	case packet.TriageRed:
		return SeverityCritical
	case packet.TriageYellow:
		return SeverityHigh
	case packet.TriageGreen:
		return SeverityLow
	case packet.TriageNone:
		return SeverityUnknown
	default:
		return SeverityUnknown
	}
}

// severityForEmergency covers "critical/high/medium/low" emergency-type
// aliases in addition to the primary triage-level mapping, so a packet
// that only carries emergency_type still projects sensibly.
func severityForEmergency(raw string) Severity {
	switch raw {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// Uploader is initialized with a CloudSink capability and the upload
// ledger.
type Uploader struct {
	sink   adapters.CloudSink
	ledger *store.UploadLedger
	outbox *store.Outbox
	prober *connectivity.Prober
	clock  adapters.Clock
	md     goldmark.Markdown
	pacing time.Duration

	mu         sync.Mutex
	inProgress bool
}

func New(sink adapters.CloudSink, ledger *store.UploadLedger, outbox *store.Outbox, prober *connectivity.Prober, clock adapters.Clock) *Uploader {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.Table,
			highlighting.NewHighlighting(highlighting.WithStyle("friendly")),
		),
		goldmark.WithRendererOptions(goldhtml.WithUnsafe()),
	)
	return &Uploader{
		sink: sink, ledger: ledger, outbox: outbox, prober: prober, clock: clock,
		md: md, pacing: 500 * time.Millisecond,
	}
}

// SetPacing overrides the default 500ms inter-request pacing.
func (u *Uploader) SetPacing(d time.Duration) {
	if d >= 0 {
		u.pacing = d
	}
}

// toCloudBody transforms a SosPayload and its carrying packet into the
// cloud sink's schema.
func (u *Uploader) toCloudBody(p packet.MeshPacket) (CloudBody, error) {
	var sos packet.SosPayload
	if err := json.Unmarshal([]byte(p.Payload()), &sos); err != nil {
		return CloudBody{}, fmt.Errorf("decode sos payload: %w", err)
	}

	severity := severityFor(sos.TriageLevel)
	if severity == SeverityUnknown {
		severity = severityForEmergency(string(sos.EmergencyType))
	}

	body := CloudBody{
		PacketID:      p.ID(),
		VictimName:    sos.SenderName,
		GPSLat:        sos.Latitude,
		GPSLong:       sos.Longitude,
		Severity:      severity,
		EmergencyType: string(sos.EmergencyType),
		PacketTrace:   p.Trace(),
	}

	if sos.AdditionalNotesMarkdown && sos.AdditionalNotes != "" {
		var buf bytes.Buffer
		if err := u.md.Convert([]byte(sos.AdditionalNotes), &buf); err == nil {
			body.AdditionalNotesHTML = buf.String()
		}
	}

	return body, nil
}

// Start schedules the periodic sync tick (default 30s) while internet is
// up, plus an immediate sync on every online transition.
func (u *Uploader) Start(ctx context.Context) func() {
	changes := u.prober.Changes()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(DefaultSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case online := <-changes:
				if online {
					u.SyncPending(ctx)
				}
			case <-ticker.C:
				if u.prober.Check(ctx, false) {
					u.SyncPending(ctx)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// SyncPending runs one sync cycle: re-verify connectivity, fetch
// undelivered SOS outbox entries, POST each, and update the ledger.
// Reentrancy guard: at most one cycle runs at a time.
func (u *Uploader) SyncPending(ctx context.Context) {
	u.mu.Lock()
	if u.inProgress {
		u.mu.Unlock()
		return
	}
	u.inProgress = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.inProgress = false
		u.mu.Unlock()
	}()

	// probe said offline before the re-verify below: if an upload still
	// succeeds this cycle, the cached negative was stale and we force an
	// immediate re-probe.
	probeSaidOffline := !u.prober.Check(ctx, false)

	if !u.verifyOnline(ctx) {
		return
	}

	pending := u.pendingSosEntries()
	for i, entry := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !u.prober.Check(ctx, false) {
			log.Printf("gateway: connectivity lost mid-batch, aborting remaining %d entries", len(pending)-i)
			return
		}

		if u.uploadOne(ctx, entry) && probeSaidOffline {
			u.prober.MarkOffline()
		}

		if i < len(pending)-1 && u.pacing > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(u.pacing):
			}
		}
	}
}

// verifyOnline re-checks connectivity with a forced probe before
// trusting the cached positive; captive portals can answer earlier
// probes falsely.
func (u *Uploader) verifyOnline(ctx context.Context) bool {
	return u.prober.Check(ctx, true)
}

func (u *Uploader) pendingSosEntries() []store.OutboxEntry {
	var out []store.OutboxEntry
	for _, e := range u.outbox.GetAll() {
		if !e.Packet.IsSOS() {
			continue
		}
		if u.ledger.Contains(e.Packet.ID()) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// uploadOne posts one entry and returns whether it was accepted (2xx).
func (u *Uploader) uploadOne(ctx context.Context, entry store.OutboxEntry) bool {
	body, err := u.toCloudBody(entry.Packet)
	if err != nil {
		log.Printf("gateway: malformed sos payload for %s, skipping: %v", entry.Packet.ID(), err)
		return false
	}

	payload, err := json.Marshal(body)
	if err != nil {
		log.Printf("gateway: encode cloud body for %s: %v", entry.Packet.ID(), err)
		return false
	}

	status, respBody, err := u.sink.Post(ctx, payload)
	if err != nil {
		log.Printf("gateway: post %s failed: %v (left for next cycle)", entry.Packet.ID(), err)
		return false
	}

	switch {
	case status >= 200 && status < 300:
		if err := u.ledger.MarkDelivered(entry.Packet.ID(), u.clock.Now()); err != nil {
			log.Printf("gateway: mark delivered %s: %v", entry.Packet.ID(), err)
			return false
		}
		return true
	case status >= 400 && status < 500:
		log.Printf("gateway: cloud rejected %s (status %d): %s", entry.Packet.ID(), status, string(respBody))
		return false
	default:
		log.Printf("gateway: cloud server error for %s (status %d), left for next cycle", entry.Packet.ID(), status)
		return false
	}
}
