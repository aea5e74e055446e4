package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"periph.io/x/conn/v3/physic"

	"github.com/mzyy94/stripview/internal/config"
	"github.com/mzyy94/stripview/internal/display"
	"github.com/mzyy94/stripview/internal/imageapi"
	"github.com/mzyy94/stripview/internal/memory"
	"github.com/mzyy94/stripview/internal/webui"
)

func main() {
	logLevel := parseLogLevel(config.EnvStr("STRIPVIEW_LOG_LEVEL", "info"))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	listenPort := config.EnvInt("STRIPVIEW_LISTEN_PORT", 8080)
	deviceName := config.EnvStr("STRIPVIEW_DEVICE_NAME", "")
	dataDir := os.Getenv("STRIPVIEW_DATA_DIR")

	if deviceName == "" {
		host, _ := os.Hostname()
		deviceName = "stripview"
		if host != "" {
			deviceName += "-" + host
		}
	}
	deviceID := uuid.NewSHA1(uuid.NameSpaceDNS, []byte("stripview."+deviceName)).String()

	// Settings persistence is optional.
	var store *config.Store
	if dataDir != "" {
		var err error
		store, err = config.NewStore(dataDir)
		if err != nil {
			slog.Error("failed to open settings store", "dir", dataDir, "err", err)
			os.Exit(1)
		}
		slog.Info("settings loaded", "dir", dataDir)
	} else {
		store = config.NewMemoryStore()
	}

	panel, closePanel, err := openPanel()
	if err != nil {
		slog.Error("panel init failed", "err", err)
		os.Exit(1)
	}
	defer closePanel()

	arb := newArbitrator()
	arb.LogSnapshot("startup")

	svc := imageapi.New(imageapi.Options{
		Panel:      panel,
		Arbitrator: arb,
		Settings:   store,
		Client:     &http.Client{},
	})
	display.Fill(panel, 0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		svc.Processor().Run(ctx, time.Duration(config.EnvInt("STRIPVIEW_TICK_MS", 20))*time.Millisecond)
	}()

	localIP := webui.LocalIP("")
	ui := webui.NewHandler(svc, store, webui.DeviceInfo{
		ID:   deviceID,
		Name: deviceName,
		Host: localIP,
		Port: listenPort,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/display/", svc.Handler())
	mux.Handle("/", ui)

	addr := fmt.Sprintf(":%d", listenPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: logMiddleware(mux),
	}

	if config.EnvBool("STRIPVIEW_MDNS", true) {
		mdnsServer, err := zeroconf.Register(
			deviceName,
			"_http._tcp",
			"local.",
			listenPort,
			[]string{
				"txtvers=1",
				"path=/api/display/image",
				"strips=/api/display/image/strips",
				fmt.Sprintf("panel=%dx%d", panel.Width(), panel.Height()),
				"id=" + deviceID,
			},
			nil,
		)
		if err != nil {
			slog.Error("mDNS registration failed", "err", err)
			os.Exit(1)
		}
		defer mdnsServer.Shutdown()
		slog.Info("mDNS registered", "name", deviceName, "service", "_http._tcp")
	}

	go func() {
		slog.Info("HTTP server starting", "addr", addr,
			"url", fmt.Sprintf("http://%s/", net.JoinHostPort(localIP, strconv.Itoa(listenPort))),
			"panel", fmt.Sprintf("%dx%d", panel.Width(), panel.Height()))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("HTTP server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "err", err)
	}
	<-consumerDone
	display.Fill(panel, 0)

	slog.Info("shutdown complete")
}

// openPanel drives an ST7789 when STRIPVIEW_SPI_PORT is set and falls back
// to an in-memory framebuffer otherwise.
func openPanel() (display.Panel, func(), error) {
	width := config.EnvInt("STRIPVIEW_PANEL_WIDTH", 320)
	height := config.EnvInt("STRIPVIEW_PANEL_HEIGHT", 240)

	port := os.Getenv("STRIPVIEW_SPI_PORT")
	if port == "" {
		slog.Info("no SPI port configured, using framebuffer panel", "width", width, "height", height)
		return display.NewFramebuffer(width, height), func() {}, nil
	}

	dev, err := display.OpenST7789(display.ST7789Config{
		Port:    port,
		Speed:   physic.Frequency(config.EnvInt("STRIPVIEW_SPI_MHZ", 40)) * physic.MegaHertz,
		DCPin:   config.EnvStr("STRIPVIEW_DC_PIN", "GPIO25"),
		RSTPin:  os.Getenv("STRIPVIEW_RST_PIN"),
		BLPin:   os.Getenv("STRIPVIEW_BL_PIN"),
		Width:   width,
		Height:  height,
		XOffset: config.EnvInt("STRIPVIEW_X_OFFSET", 0),
		YOffset: config.EnvInt("STRIPVIEW_Y_OFFSET", 0),
		BGR:     config.EnvBool("STRIPVIEW_PANEL_BGR", false),
	})
	if err != nil {
		return nil, nil, err
	}
	return dev, func() {
		if err := dev.Close(); err != nil {
			slog.Warn("panel close failed", "err", err)
		}
	}, nil
}

// newArbitrator builds the internal heap and, if sized, the external one.
func newArbitrator() *memory.Arbitrator {
	fast := memory.NewPool("internal", config.EnvInt("STRIPVIEW_FAST_HEAP_KB", 320)*1024)
	largeKB := config.EnvInt("STRIPVIEW_LARGE_HEAP_KB", 0)
	if largeKB <= 0 {
		return memory.NewArbitrator(fast, nil, memory.DefaultPolicy())
	}
	return memory.NewArbitrator(fast, memory.NewPool("external", largeKB*1024), memory.DefaultPolicy())
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
