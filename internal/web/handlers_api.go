package web

import (
	"errors"
	"fmt"
	"net/http"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/peoplecounter"
	"zigbee-people-counter/internal/store"
)

// deviceView is a stored device with its published capabilities.
type deviceView struct {
	*store.Device
	Capabilities map[string]any `json:"capabilities"`
}

func (s *Server) view(dev *store.Device) deviceView {
	caps, err := s.backend.Hub.Capabilities(dev.IEEEAddress)
	if err != nil {
		s.logger.Warn("load capabilities", "ieee", dev.IEEEAddress, "err", err)
	}
	if caps == nil {
		caps = map[string]any{}
	}
	return deviceView{Device: dev, Capabilities: caps}
}

// normalizedIEEE reads {ieee} from the path. Invalid addresses are
// answered with 400 and reported as ok=false.
func (s *Server) normalizedIEEE(w http.ResponseWriter, r *http.Request) (string, bool) {
	ieee, err := coordinator.NormalizeIEEE(r.PathValue("ieee"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return ieee, true
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.backend.Devices.ListDevices()
	if err != nil {
		s.writeErr(w, "list devices", err)
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.view(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.normalizedIEEE(w, r)
	if !ok {
		return
	}
	dev, err := s.backend.Devices.GetDevice(ieee)
	if err != nil {
		s.writeErr(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(dev))
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.normalizedIEEE(w, r)
	if !ok {
		return
	}
	dev, err := s.backend.Devices.GetDevice(ieee)
	if err != nil {
		s.writeErr(w, "rename device", err)
		return
	}

	var req renameDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.FriendlyName) > 64 {
		s.writeError(w, http.StatusBadRequest, "friendly_name limited to 64 characters")
		return
	}

	dev.FriendlyName = req.FriendlyName
	if err := s.backend.Devices.SaveDevice(dev); err != nil {
		s.writeErr(w, "rename device", err)
		return
	}
	// Announce the new name so MQTT moves the device's topics.
	s.backend.Events.Emit(coordinator.Event{
		Type: coordinator.EventDeviceAdded,
		Data: map[string]any{"ieee": ieee, "friendly_name": dev.FriendlyName},
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": dev.FriendlyName})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.normalizedIEEE(w, r)
	if !ok {
		return
	}
	if err := s.backend.Counters.Detach(ieee); err != nil && !errors.Is(err, peoplecounter.ErrNotAttached) {
		s.logger.Warn("detach before delete", "ieee", ieee, "err", err)
	}
	if err := s.backend.Devices.RemoveDevice(ieee); err != nil {
		s.writeErr(w, "delete device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeCapabilities answers with the device's current capabilities.
func (s *Server) writeCapabilities(w http.ResponseWriter, ieee string) {
	caps, err := s.backend.Hub.Capabilities(ieee)
	if err != nil {
		s.writeErr(w, "load capabilities", err)
		return
	}
	s.writeJSON(w, http.StatusOK, caps)
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.normalizedIEEE(w, r)
	if !ok {
		return
	}
	if err := s.backend.Counters.Refresh(r.Context(), ieee); err != nil {
		s.writeErr(w, "refresh", err)
		return
	}
	s.writeCapabilities(w, ieee)
}

type setPeopleRequest struct {
	People *int `json:"people"`
}

func (s *Server) handleAPISetPeople(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.normalizedIEEE(w, r)
	if !ok {
		return
	}
	var req setPeopleRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.People == nil {
		s.writeError(w, http.StatusBadRequest, "people is required")
		return
	}
	if *req.People < 0 || *req.People > peoplecounter.MaxCount {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("people must be between 0 and %d", peoplecounter.MaxCount))
		return
	}
	if err := s.backend.Counters.SetPeopleCount(r.Context(), ieee, *req.People); err != nil {
		s.writeErr(w, "set people", err)
		return
	}
	s.writeCapabilities(w, ieee)
}

func (s *Server) handleAPIGetSettings(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.normalizedIEEE(w, r)
	if !ok {
		return
	}
	settings, err := s.backend.Hub.Settings(ieee)
	if err != nil {
		s.writeErr(w, "get settings", err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

// validateSettings checks the keys the driver understands. Unknown keys
// are rejected so typos do not pass silently.
func validateSettings(values map[string]any) error {
	for k, v := range values {
		switch k {
		case peoplecounter.SettingBatteryThreshold:
			if v == nil {
				continue
			}
			n, ok := v.(float64)
			if !ok || n < 0 || n > 100 {
				return fmt.Errorf("%s must be a number between 0 and 100", k)
			}
		default:
			return fmt.Errorf("unknown setting %q", k)
		}
	}
	return nil
}

func (s *Server) handleAPIUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.normalizedIEEE(w, r)
	if !ok {
		return
	}
	var values map[string]any
	if err := decodeBody(w, r, &values); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateSettings(values); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.backend.Hub.SetSettings(ieee, values); err != nil {
		s.writeErr(w, "update settings", err)
		return
	}
	settings, err := s.backend.Hub.Settings(ieee)
	if err != nil {
		s.writeErr(w, "get settings", err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

type writeCapabilityRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleAPIWriteCapability(w http.ResponseWriter, r *http.Request) {
	ieee, ok := s.normalizedIEEE(w, r)
	if !ok {
		return
	}
	var req writeCapabilityRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.backend.Hub.TriggerCapabilityListener(r.Context(), ieee, r.PathValue("name"), req.Value); err != nil {
		s.writeErr(w, "write capability", err)
		return
	}
	s.writeCapabilities(w, ieee)
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.backend.Network.NetworkInfo()
	if devices, err := s.backend.Devices.ListDevices(); err == nil {
		info["device_count"] = len(devices)
	}
	s.writeJSON(w, http.StatusOK, info)
}
