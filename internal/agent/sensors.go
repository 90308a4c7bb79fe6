package agent

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
)

// Sample is one read of every sensor on a device.
type Sample struct {
	Values  map[domain.Channel]float64
	Battery float64
	Signal  float64
}

// Source produces sensor samples.
type Source interface {
	Read(now time.Time) Sample
}

// SourceFunc adapts a function to Source.
type SourceFunc func(now time.Time) Sample

func (f SourceFunc) Read(now time.Time) Sample { return f(now) }

// Simulator is a random-walk sensor model for warehouse equipment.
type Simulator struct {
	rng     *rand.Rand
	values  map[domain.Channel]float64
	battery float64
	signal  float64
}

func NewSimulator(seed uint64) *Simulator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Simulator{
		rng: rng,
		values: map[domain.Channel]float64{
			domain.ChannelTemperature: 22.0,
			domain.ChannelHumidity:    45.0,
			domain.ChannelVibration:   0.1,
			domain.ChannelPower:       100.0,
		},
		battery: 60 + rng.Float64()*40,
		signal:  70 + rng.Float64()*30,
	}
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Simulator) Read(time.Time) Sample {
	v := s.values
	v[domain.ChannelTemperature] = clamp(v[domain.ChannelTemperature]+s.uniform(-0.5, 0.5), 15, 35)
	v[domain.ChannelHumidity] = clamp(v[domain.ChannelHumidity]+s.uniform(-2, 2), 30, 70)

	// One cycle in five the equipment shakes.
	if s.rng.Float64() > 0.8 {
		v[domain.ChannelVibration] = 0.1 + s.uniform(0.5, 2.0)
	} else {
		v[domain.ChannelVibration] = 0.1 + s.uniform(0, 0.3)
	}
	v[domain.ChannelPower] = clamp(v[domain.ChannelPower]+s.uniform(-1, 1), 80, 120)

	s.battery = clamp(s.battery-s.uniform(0.01, 0.05), 0, 100)
	s.signal = clamp(s.signal+s.uniform(-2, 2), 0, 100)

	out := make(map[domain.Channel]float64, len(v))
	for ch, val := range v {
		out[ch] = val
	}
	return Sample{Values: out, Battery: s.battery, Signal: s.signal}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
