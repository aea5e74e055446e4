package webui

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mzyy94/stripview/internal/config"
	"github.com/mzyy94/stripview/internal/imageapi"
)

//go:embed static
var staticFS embed.FS

// DeviceInfo identifies this display on the network.
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type handler struct {
	svc      *imageapi.Service
	settings *config.Store
	device   DeviceInfo
}

// NewHandler creates an HTTP handler for the Web UI, the status endpoint
// and the settings API.
func NewHandler(svc *imageapi.Service, settings *config.Store, device DeviceInfo) http.Handler {
	h := &handler{svc: svc, settings: settings, device: device}
	mux := http.NewServeMux()
	staticContent, _ := fs.Sub(staticFS, "static")
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.Handle("GET /", http.FileServer(http.FS(staticContent)))
	return mux
}

type statusResponse struct {
	Device    DeviceInfo      `json:"device"`
	UploadURL string          `json:"uploadUrl"`
	Pipeline  imageapi.Status `json:"pipeline"`
	UpdatedAt string          `json:"updatedAt"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	host := h.device.Host
	if host == "" {
		host = LocalIP("")
	}
	resp := statusResponse{
		Device:    h.device,
		UploadURL: fmt.Sprintf("http://%s/api/display/image", net.JoinHostPort(host, strconv.Itoa(h.device.Port))),
		Pipeline:  h.svc.Status(),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.settings.Get())
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	// Absent fields keep their current values.
	s := h.settings.Get()
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.settings.Update(s); err != nil {
		slog.Warn("settings save failed", "err", err)
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	h.svc.ApplySettings(s)
	slog.Info("settings updated", "renderMode", s.RenderMode, "headroom", s.DecodeHeadroom)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

// LocalIP returns the local address used to reach targetIP, or the
// multicast group when targetIP is empty.
func LocalIP(targetIP string) string {
	if targetIP == "" {
		targetIP = "224.0.0.1"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(targetIP, "80"))
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String()
}
