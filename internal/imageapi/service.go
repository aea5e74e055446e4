package imageapi

import (
	"net/http"
	"time"

	"github.com/mzyy94/stripview/internal/config"
	"github.com/mzyy94/stripview/internal/decoder"
	"github.com/mzyy94/stripview/internal/display"
	"github.com/mzyy94/stripview/internal/memory"
	"github.com/mzyy94/stripview/internal/pending"
	"github.com/mzyy94/stripview/internal/upload"
)

// Options wires a Service to its collaborators.
type Options struct {
	Panel      display.Panel
	Arbitrator *memory.Arbitrator
	Settings   *config.Store
	Client     *http.Client // used for URL downloads; nil for the default client
}

// Service owns the upload sessions, the pending-operation queue and the
// display consumer.
type Service struct {
	panel    display.Panel
	arb      *memory.Arbitrator
	settings *config.Store
	queue    *pending.Queue

	full    *upload.Session
	strip   *upload.Session
	urlBody *upload.Session

	proc  *Processor
	fetch *FetchStatus

	stripWait time.Duration
}

// New creates a Service and applies the current settings.
func New(opts Options) *Service {
	s := &Service{
		panel:     opts.Panel,
		arb:       opts.Arbitrator,
		settings:  opts.Settings,
		queue:     pending.NewQueue(),
		full:      upload.NewSession(upload.KindFull, opts.Arbitrator),
		strip:     upload.NewSession(upload.KindStrip, opts.Arbitrator),
		urlBody:   upload.NewSession(upload.KindURLBody, opts.Arbitrator),
		fetch:     &FetchStatus{},
		stripWait: 30 * time.Second,
	}
	st := opts.Settings.Get()
	s.proc = &Processor{
		queue:    s.queue,
		sessions: []*upload.Session{s.full, s.strip, s.urlBody},
		settings: opts.Settings,
		arb:      opts.Arbitrator,
		panel:    opts.Panel,
		screen:   display.NewScreen(opts.Panel),
		strips:   decoder.NewStripDecoder(opts.Panel, opts.Arbitrator, st.StripBatchRows),
		frames:   decoder.NewFrameDecoder(opts.Arbitrator),
		fetcher:  NewFetcher(opts.Client, opts.Arbitrator),
		fetch:    s.fetch,
	}
	s.ApplySettings(st)
	return s
}

// PolicyFromSettings maps settings onto the arbitrator's thresholds.
func PolicyFromSettings(st config.Settings) memory.Policy {
	return memory.Policy{
		Headroom:    st.DecodeHeadroom,
		MinHeadroom: st.MinHeadroom,
		LowFragPct:  st.LowFragPct,
		LowFragCap:  st.LowFragCap,
		MidFragPct:  st.MidFragPct,
		MidFragCap:  st.MidFragCap,
	}
}

// ApplySettings pushes settings that are cached outside the store.
func (s *Service) ApplySettings(st config.Settings) {
	s.arb.SetPolicy(PolicyFromSettings(st))
}

// Processor returns the display consumer.
func (s *Service) Processor() *Processor { return s.proc }

// Handler returns the image API routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/display/image", s.handleImage)
	mux.HandleFunc("DELETE /api/display/image", s.handleDismiss)
	mux.HandleFunc("POST /api/display/image/strips", s.handleStrip)
	mux.HandleFunc("POST /api/display/image_url", s.handleImageURL)
	mux.HandleFunc("GET /api/display/snapshot", s.handleSnapshot)
	return mux
}

// Status is the pipeline state reported by the status endpoint.
type Status struct {
	Panel      PanelInfo            `json:"panel"`
	RenderMode string               `json:"renderMode"`
	Uploads    []upload.Status      `json:"uploads"`
	Queue      pending.Stats        `json:"queue"`
	Memory     MemoryInfo           `json:"memory"`
	Strip      StripStatus          `json:"strip"`
	Screen     display.ScreenStatus `json:"screen"`
	Fetch      FetchInfo            `json:"fetch"`
	Processed  uint64               `json:"processed"`
	LastError  string               `json:"lastError,omitempty"`
}

// PanelInfo describes the attached panel.
type PanelInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// MemoryInfo reports arbitrator counters and region usage.
type MemoryInfo struct {
	memory.Stats
	Regions []memory.RegionStats `json:"regions"`
}

// Status returns a snapshot of the whole pipeline.
func (s *Service) Status() Status {
	return Status{
		Panel:      PanelInfo{Width: s.panel.Width(), Height: s.panel.Height()},
		RenderMode: s.settings.Get().RenderMode,
		Uploads:    []upload.Status{s.full.Status(), s.strip.Status(), s.urlBody.Status()},
		Queue:      s.queue.Stats(),
		Memory:     MemoryInfo{Stats: s.arb.Stats(), Regions: s.arb.Regions()},
		Strip:      s.proc.Strip(),
		Screen:     s.proc.screen.Status(),
		Fetch:      s.fetch.Snapshot(),
		Processed:  s.proc.Processed(),
		LastError:  s.proc.LastError(),
	}
}
