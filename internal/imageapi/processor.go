package imageapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/mzyy94/stripview/internal/config"
	"github.com/mzyy94/stripview/internal/decoder"
	"github.com/mzyy94/stripview/internal/display"
	"github.com/mzyy94/stripview/internal/jpegcheck"
	"github.com/mzyy94/stripview/internal/memory"
	"github.com/mzyy94/stripview/internal/pending"
	"github.com/mzyy94/stripview/internal/upload"
)

// StripStatus describes the strip session on the display side.
type StripStatus struct {
	Active   bool `json:"active"`
	Width    int  `json:"width"`
	Height   int  `json:"height"`
	CurrentY int  `json:"currentY"`
}

// Processor is the display-owning consumer. Everything that decodes or
// touches the panel runs inside Tick.
type Processor struct {
	queue    *pending.Queue
	sessions []*upload.Session
	settings *config.Store
	arb      *memory.Arbitrator
	panel    display.Panel
	screen   *display.Screen
	strips   *decoder.StripDecoder
	frames   *decoder.FrameDecoder
	fetcher  *Fetcher
	fetch    *FetchStatus

	seen uint64

	mu        sync.Mutex
	strip     StripStatus
	processed uint64
	lastError string
}

// Run calls Tick every interval until ctx is done, then drops any pending
// work and closes the strip session.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("display consumer started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			p.queue.Drain(ctx.Err())
			p.strips.End()
			p.syncStrip()
			slog.Info("display consumer stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick reaps stalled uploads, expires the shown image and runs at most one
// pending operation.
func (p *Processor) Tick(ctx context.Context) {
	st := p.settings.Get()
	grace := time.Duration(st.ReapGraceMs) * time.Millisecond
	for _, s := range p.sessions {
		if s.Reap(grace) {
			p.arb.LogSnapshot("after reap")
		}
	}

	if p.screen.Expired() {
		slog.Info("image display timed out")
		p.strips.End()
		p.screen.Hide()
		p.syncStrip()
	}

	op, v, ok := p.queue.Take(p.seen)
	if !ok {
		return
	}
	p.seen = v

	start := time.Now()
	err := p.execute(ctx, op, st)
	if err != nil {
		slog.Warn("operation failed", "kind", op.Kind, "err", err)
	} else {
		slog.Debug("operation done", "kind", op.Kind, "duration", time.Since(start).Round(time.Millisecond))
	}
	p.mu.Lock()
	p.processed++
	if err != nil {
		p.lastError = err.Error()
	}
	p.mu.Unlock()
	p.syncStrip()

	// Finish last: it wakes the waiting handler.
	op.Finish(err)
	p.arb.LogSnapshot("after " + op.Kind.String())
}

func (p *Processor) execute(ctx context.Context, op *pending.Op, st config.Settings) error {
	switch op.Kind {
	case pending.KindDismiss:
		p.strips.End()
		return p.screen.Hide()
	case pending.KindShowStrip:
		return p.showStrip(op, st)
	case pending.KindShowFull:
		return p.showFull(op.Buffer.Bytes(), op.Timeout, st)
	case pending.KindShowURL:
		return p.showURL(ctx, op, st)
	}
	return fmt.Errorf("unknown operation %v", op.Kind)
}

func (p *Processor) showStrip(op *pending.Op, st config.Settings) error {
	s := op.Strip
	if s.Index == 0 {
		p.strips.SetBatchRows(st.StripBatchRows)
		if err := p.strips.Begin(s.Width, s.Height, p.panel.Width(), p.panel.Height()); err != nil {
			p.screen.Hide()
			return err
		}
	} else if w, h := p.strips.Size(); !p.strips.Active() || w != s.Width || h != s.Height {
		return &decoder.DecodeError{Op: "fragment", Err: decoder.ErrNoSession}
	}

	if err := p.strips.DecodeFragment(op.Buffer.Bytes(), s.Index, st.AltColorOrder); err != nil {
		p.strips.End()
		p.screen.Hide()
		return err
	}
	p.screen.Show(op.Timeout)
	if s.Last() {
		slog.Info("strip image complete", "width", s.Width, "height", s.Height, "strips", s.Count)
	}
	return nil
}

func (p *Processor) showFull(data []byte, timeout time.Duration, st config.Settings) error {
	p.strips.End()
	var err error
	if st.RenderMode == config.RenderOffscreen {
		err = p.renderOffscreen(data, st)
	} else {
		err = p.renderDirect(data, st)
	}
	if err != nil {
		p.screen.Hide()
		return err
	}
	p.screen.Show(timeout)
	return nil
}

// renderDirect streams the image to the panel as a single fragment.
func (p *Processor) renderDirect(data []byte, st config.Settings) error {
	w, h := p.panel.Width(), p.panel.Height()
	p.strips.SetBatchRows(st.StripBatchRows)
	if err := p.strips.Begin(w, h, w, h); err != nil {
		return err
	}
	defer p.strips.End()
	return p.strips.DecodeFragment(data, 0, st.AltColorOrder)
}

// renderOffscreen decodes at the best scale that fits, then zooms the frame
// into a centered box. The zoom is computed from the source size so the
// on-screen size does not depend on which scale was used.
func (p *Processor) renderOffscreen(data []byte, st config.Settings) error {
	frame, err := p.frames.Decode(data, st.AltColorOrder)
	if err != nil {
		return err
	}
	defer frame.Release()

	srcW, srcH := frame.Width<<frame.Scale, frame.Height<<frame.Scale
	box := st.OffscreenBox
	if box <= 0 {
		box = min(p.panel.Width(), p.panel.Height())
	}
	long := max(srcW, srcH)
	tw := min(max(1, srcW*box/long), p.panel.Width())
	th := min(max(1, srcH*box/long), p.panel.Height())

	out, err := p.arb.TryReserve(tw*th*2, memory.PurposeFrame)
	if err != nil {
		return fmt.Errorf("offscreen zoom %dx%d: %w", tw, th, err)
	}
	defer out.Release()
	out.SetShape(tw, th, 2)

	// Pixels stay in panel order; the zoom copies them unchanged.
	src := display.NewRGB565View(frame.Pixels.Bytes(), frame.Width, frame.Height)
	dst := display.NewRGB565View(out.Bytes(), tw, th)
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	if err := display.Fill(p.panel, 0); err != nil {
		return err
	}
	x0, y0 := (p.panel.Width()-tw)/2, (p.panel.Height()-th)/2
	p.panel.StartWrite()
	defer p.panel.EndWrite()
	if err := p.panel.SetWindow(x0, y0, tw, th); err != nil {
		return err
	}
	if err := p.panel.PushPixels(out.Bytes()); err != nil {
		return err
	}
	if pr, ok := p.panel.(display.Presenter); ok {
		return pr.Present()
	}
	return nil
}

func (p *Processor) showURL(ctx context.Context, op *pending.Op, st config.Settings) error {
	timeout := clampSeconds(st.URLFetchTimeoutSec, st.URLFetchTimeoutSec, st.URLFetchMaxSec)
	p.fetch.SetFetching(op.URL)
	slog.Info("downloading image", "url", op.URL, "timeout", timeout)

	buf, err := p.fetcher.Fetch(ctx, op.URL, st.MaxImageBytes, timeout)
	if err != nil {
		p.fetch.SetResult(err, 0)
		p.screen.Hide()
		return err
	}
	defer buf.Release()

	data := buf.Bytes()
	if st.RenderMode == config.RenderOffscreen {
		err = jpegcheck.ValidateFormat(data)
	} else {
		err = jpegcheck.ValidateFull(data, p.panel.Width(), p.panel.Height())
	}
	if err == nil {
		err = p.showFull(data, op.Timeout, st)
	} else {
		p.screen.Hide()
	}
	p.fetch.SetResult(err, len(data))
	return err
}

func (p *Processor) syncStrip() {
	w, h := p.strips.Size()
	p.mu.Lock()
	p.strip = StripStatus{Active: p.strips.Active(), Width: w, Height: h, CurrentY: p.strips.CurrentY()}
	p.mu.Unlock()
}

// Strip returns the strip session state as of the last tick.
func (p *Processor) Strip() StripStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strip
}

// LastError returns the most recent operation failure.
func (p *Processor) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

// Processed returns the number of operations executed.
func (p *Processor) Processed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// clampSeconds converts seconds to a duration, substituting def for
// non-positive values and capping at max.
func clampSeconds(sec, def, limit int) time.Duration {
	if sec <= 0 {
		sec = def
	}
	if limit > 0 && sec > limit {
		sec = limit
	}
	return time.Duration(sec) * time.Second
}
