package service

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/agent"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/energy-grid-analytics-go/aggregator"
	"github.com/ANIKETSHETTY47/energy-grid-analytics-go/maintenance"
)

// FleetView is the read side of the orchestrator the analytics need.
type FleetView interface {
	AllDevicesStatus(ctx context.Context) map[string]agent.Status
	EmergencyEvents() []domain.EmergencyEvent
}

// Thresholds bound the readings that raise a device alert.
type Thresholds struct {
	TemperatureMin float64
	TemperatureMax float64
	HumidityMin    float64
	HumidityMax    float64
	VibrationMax   float64
	BatteryMin     float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TemperatureMin: 15,
		TemperatureMax: 35,
		HumidityMin:    20,
		HumidityMax:    80,
		VibrationMax:   5,
		BatteryMin:     10,
	}
}

type Analytics struct {
	GeneratedAt        time.Time                  `json:"generated_at"`
	TotalDevices       int                        `json:"total_devices"`
	OnlineDevices      int                        `json:"online_devices"`
	TotalEmergencies   int                        `json:"total_emergencies"`
	ActiveEmergencies  int                        `json:"active_emergencies"`
	ChannelAverages    map[domain.Channel]float64 `json:"channel_averages"`
	DeviceHealth       DeviceHealth               `json:"device_health"`
	NetworkPerformance NetworkPerformance         `json:"network_performance"`
	Alerts             []ThresholdAlert           `json:"alerts"`
	PredictiveInsights PredictiveInsights         `json:"predictive_insights"`
}

type DeviceHealth struct {
	HealthScore float64  `json:"health_score"`
	OnlineRatio float64  `json:"online_ratio"`
	AvgBattery  float64  `json:"avg_battery"`
	Issues      []string `json:"issues"`
}

type NetworkPerformance struct {
	PerformanceScore     float64  `json:"performance_score"`
	AvgSignalStrength    float64  `json:"avg_signal_strength"`
	AvgBufferUtilization float64  `json:"avg_buffer_utilization"`
	Issues               []string `json:"issues"`
}

type ThresholdAlert struct {
	DeviceID  string          `json:"device_id"`
	AlertType string          `json:"alert_type"`
	Value     float64         `json:"value"`
	Severity  domain.Severity `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
}

type PredictiveInsights struct {
	MaintenancePredictions []MaintenancePrediction `json:"maintenance_predictions"`
	CapacityForecasts      []Advisory              `json:"capacity_forecasts"`
	RiskAssessments        []Advisory              `json:"risk_assessments"`
}

type MaintenancePrediction struct {
	DeviceID          string    `json:"device_id"`
	Type              string    `json:"type"`
	Urgency           string    `json:"urgency"`
	BatteryLevel      float64   `json:"battery_level"`
	FailureRisk30Days float64   `json:"failure_risk_30_days"`
	EstimatedTime     time.Time `json:"estimated_time"`
	Recommendation    string    `json:"recommendation"`
}

type Advisory struct {
	Type           string `json:"type"`
	Level          string `json:"level,omitempty"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation"`
}

// AnalyticsService summarizes fleet health from device snapshots.
type AnalyticsService struct {
	fleet      FleetView
	thresholds Thresholds
	now        func() time.Time
}

func NewAnalyticsService(fleet FleetView, thresholds Thresholds) *AnalyticsService {
	return &AnalyticsService{fleet: fleet, thresholds: thresholds, now: time.Now}
}

func (s *AnalyticsService) Thresholds() Thresholds { return s.thresholds }

// Snapshot computes analytics over the current state of every device.
func (s *AnalyticsService) Snapshot(ctx context.Context) Analytics {
	now := s.now()
	devices := s.fleet.AllDevicesStatus(ctx)
	events := s.fleet.EmergencyEvents()

	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	statuses := make([]agent.Status, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, devices[id])
	}

	out := Analytics{
		GeneratedAt:      now,
		TotalDevices:     len(statuses),
		TotalEmergencies: len(events),
		ChannelAverages:  channelAverages(statuses),
		Alerts:           []ThresholdAlert{},
	}
	for _, st := range statuses {
		if st.IsOnline {
			out.OnlineDevices++
		}
		out.Alerts = append(out.Alerts, s.checkThresholds(st)...)
	}
	for _, e := range events {
		if e.Status == domain.EventActive {
			out.ActiveEmergencies++
		}
	}
	out.DeviceHealth = deviceHealth(statuses, out.OnlineDevices)
	out.NetworkPerformance = networkPerformance(statuses)
	out.PredictiveInsights = s.predict(now, statuses, out.OnlineDevices, out.ActiveEmergencies)
	return out
}

func channelAverages(statuses []agent.Status) map[domain.Channel]float64 {
	out := make(map[domain.Channel]float64, len(domain.Channels))
	for _, ch := range domain.Channels {
		var points []aggregator.Point
		for _, st := range statuses {
			if r, ok := st.SensorReadings[ch]; ok {
				points = append(points, aggregator.Point{Value: r.Value, Timestamp: r.Timestamp})
			}
		}
		if len(points) > 0 {
			out[ch] = round2(aggregator.Average(points))
		}
	}
	return out
}

func average(statuses []agent.Status, value func(agent.Status) float64) float64 {
	if len(statuses) == 0 {
		return 0
	}
	points := make([]aggregator.Point, 0, len(statuses))
	for _, st := range statuses {
		points = append(points, aggregator.Point{Value: value(st), Timestamp: st.LastSeen})
	}
	return aggregator.Average(points)
}

func deviceHealth(statuses []agent.Status, online int) DeviceHealth {
	h := DeviceHealth{Issues: []string{}}
	total := len(statuses)
	if total == 0 {
		return h
	}
	ratio := float64(online) / float64(total)
	avgBattery := average(statuses, func(st agent.Status) float64 { return st.BatteryLevel })
	score := ratio*0.6 + avgBattery/100*0.4

	if score < 0.8 {
		h.Issues = append(h.Issues, "Low device health score")
	}
	if avgBattery < 20 {
		h.Issues = append(h.Issues, "Low battery levels detected")
	}
	if ratio < 0.9 {
		h.Issues = append(h.Issues, "Multiple devices offline")
	}
	h.HealthScore = round2(score * 100)
	h.OnlineRatio = round2(ratio * 100)
	h.AvgBattery = round2(avgBattery)
	return h
}

func networkPerformance(statuses []agent.Status) NetworkPerformance {
	p := NetworkPerformance{Issues: []string{}}
	if len(statuses) == 0 {
		return p
	}
	avgSignal := average(statuses, func(st agent.Status) float64 { return st.SignalStrength })
	avgUtil := average(statuses, func(st agent.Status) float64 { return st.BufferStatus.Utilization })
	score := avgSignal/100*0.7 + (1-avgUtil/100)*0.3

	if avgSignal < 70 {
		p.Issues = append(p.Issues, "Poor signal strength")
	}
	if avgUtil > 80 {
		p.Issues = append(p.Issues, "High buffer utilization")
	}
	p.PerformanceScore = round2(score * 100)
	p.AvgSignalStrength = round2(avgSignal)
	p.AvgBufferUtilization = round2(avgUtil)
	return p
}

func (s *AnalyticsService) checkThresholds(st agent.Status) []ThresholdAlert {
	var out []ThresholdAlert
	alert := func(typ string, v float64, ts time.Time) {
		out = append(out, ThresholdAlert{DeviceID: st.DeviceID, AlertType: typ, Value: v, Severity: domain.SeverityHigh, Timestamp: ts})
	}
	t := s.thresholds
	if r, ok := st.SensorReadings[domain.ChannelTemperature]; ok {
		switch {
		case r.Value < t.TemperatureMin:
			alert("temperature_low", r.Value, r.Timestamp)
		case r.Value > t.TemperatureMax:
			alert("temperature_high", r.Value, r.Timestamp)
		}
	}
	if r, ok := st.SensorReadings[domain.ChannelHumidity]; ok {
		switch {
		case r.Value < t.HumidityMin:
			alert("humidity_low", r.Value, r.Timestamp)
		case r.Value > t.HumidityMax:
			alert("humidity_high", r.Value, r.Timestamp)
		}
	}
	if r, ok := st.SensorReadings[domain.ChannelVibration]; ok && r.Value > t.VibrationMax {
		alert("vibration_high", r.Value, r.Timestamp)
	}
	if !st.LastSeen.IsZero() && st.BatteryLevel < t.BatteryMin {
		alert("battery_low", st.BatteryLevel, st.LastSeen)
	}
	return out
}

func (s *AnalyticsService) predict(now time.Time, statuses []agent.Status, online, activeEmergencies int) PredictiveInsights {
	in := PredictiveInsights{
		MaintenancePredictions: []MaintenancePrediction{},
		CapacityForecasts:      []Advisory{},
		RiskAssessments:        []Advisory{},
	}
	for _, st := range statuses {
		if st.LastSeen.IsZero() || st.BatteryLevel >= 30 {
			continue
		}
		in.MaintenancePredictions = append(in.MaintenancePredictions, predictBattery(now, st))
	}
	if len(statuses) > 0 && float64(online)/float64(len(statuses)) < 0.8 {
		in.CapacityForecasts = append(in.CapacityForecasts, Advisory{
			Type:           "device_capacity",
			Message:        "Device capacity may be insufficient",
			Recommendation: "Add more devices or optimize existing ones",
		})
	}
	if activeEmergencies > 0 {
		in.RiskAssessments = append(in.RiskAssessments, Advisory{
			Type:           "emergency_risk",
			Level:          "medium",
			Message:        "Active emergency events detected",
			Recommendation: "Review emergency response procedures",
		})
	}
	return in
}

// predictBattery treats a draining battery as an asset whose failure rate
// grows as charge drops and whose service is due once the remaining charge
// runs out at roughly one percent per hour.
func predictBattery(now time.Time, st agent.Status) MaintenancePrediction {
	rate := (100 - st.BatteryLevel) / 10
	health := maintenance.AssetHealth{
		HoursRun:           now.Sub(st.CreatedAt).Hours(),
		FailureRatePerYear: rate,
		LastService:        now,
		ServiceInterval:    time.Duration(math.Max(st.BatteryLevel, 1) * float64(time.Hour)),
	}
	risk := maintenance.FailureRisk(health.FailureRatePerYear, 30*24*time.Hour)

	urgency := "medium"
	if st.BatteryLevel < 15 {
		urgency = "high"
	}
	return MaintenancePrediction{
		DeviceID:          st.DeviceID,
		Type:              "battery_replacement",
		Urgency:           urgency,
		BatteryLevel:      round2(st.BatteryLevel),
		FailureRisk30Days: round2(risk * 100),
		EstimatedTime:     maintenance.NextServiceDate(health),
		Recommendation:    recommendation(risk, st.BatteryLevel),
	}
}

func recommendation(risk, battery float64) string {
	switch {
	case risk > 0.5 || battery < 15:
		return "URGENT: Replace battery before next shift"
	case risk > 0.3 || battery < 20:
		return "Schedule battery replacement within 24 hours"
	}
	return "Plan battery replacement at next maintenance window"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
