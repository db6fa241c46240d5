package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"gb28181-gateway/pkg/errors"
	"gb28181-gateway/pkg/gb/registry"
	"gb28181-gateway/pkg/media"
)

// StreamController is the slice of the SIP commander the API needs
type StreamController interface {
	Play(ctx context.Context, deviceID, channelID, mode string) (*media.StreamInfo, error)
	Stop(ctx context.Context, deviceID, channelID string) error
	ControlPTZ(ctx context.Context, deviceID, channelID, ptzCmd string) error
	SyncCatalog(ctx context.Context, deviceID string) ([]registry.DeviceChannel, error)
	Dialogs() []*media.StreamInfo
}

type apiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Code: 0, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrDeviceNotFound), errors.Is(err, errors.ErrDialogNotFound), errors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrDeviceOffline), errors.Is(err, errors.ErrUnavailable):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrCorrelationTimeout), errors.Is(err, errors.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrUpstreamProvisionFailed):
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Code: status, Message: err.Error()})
}

type streamRequest struct {
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`
	Transport string `json:"transport,omitempty"`
}

type ptzRequest struct {
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`
	PTZCmd    string `json:"ptz_cmd"`
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalidInput, "invalid JSON body")
	}
	return nil
}

// handleListDevices returns every known device
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListDevices())
}

// handleGetDevice returns one device by id
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	dev, ok := s.registry.Lookup(deviceID)
	if !ok {
		writeError(w, errors.Wrap(errors.ErrDeviceNotFound, deviceID))
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleListChannels returns the channels of one device
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if _, ok := s.registry.Lookup(deviceID); !ok {
		writeError(w, errors.Wrap(errors.ErrDeviceNotFound, deviceID))
		return
	}
	writeJSON(w, http.StatusOK, s.registry.ChannelsOf(deviceID))
}

// handleSyncCatalog triggers a fresh catalog exchange with the device
func (s *Server) handleSyncCatalog(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	channels, err := s.controller.SyncCatalog(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

// handleStartStream invites a live stream and returns its playback URLs
func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DeviceID == "" || req.ChannelID == "" {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "device_id and channel_id are required"))
		return
	}

	info, err := s.controller.Play(r.Context(), req.DeviceID, req.ChannelID, req.Transport)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleStopStream tears a live stream down
func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DeviceID == "" || req.ChannelID == "" {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "device_id and channel_id are required"))
		return
	}

	if err := s.controller.Stop(r.Context(), req.DeviceID, req.ChannelID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleListStreams returns the currently live streams
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Dialogs())
}

// handlePTZ forwards a PTZ command to the device channel
func (s *Server) handlePTZ(w http.ResponseWriter, r *http.Request) {
	var req ptzRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DeviceID == "" || req.ChannelID == "" || req.PTZCmd == "" {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "device_id, channel_id and ptz_cmd are required"))
		return
	}

	if err := s.controller.ControlPTZ(r.Context(), req.DeviceID, req.ChannelID, req.PTZCmd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type healthStatus struct {
	Status        string    `json:"status"`
	Uptime        string    `json:"uptime"`
	DevicesOnline int       `json:"devices_online"`
	Channels      int       `json:"channels"`
	Streams       int       `json:"streams"`
	WSClients     int       `json:"ws_clients"`
	Time          time.Time `json:"time"`
}

// handleHealth reports liveness plus a coarse gateway summary
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{
		Status:        "ok",
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		DevicesOnline: s.registry.OnlineCount(),
		Channels:      s.registry.ChannelCount(),
		Streams:       len(s.controller.Dialogs()),
		WSClients:     s.events.ClientCount(),
		Time:          time.Now().UTC(),
	})
}
