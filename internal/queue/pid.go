package queue

import (
	"math"
	"sync"
	"time"
)

// PID turns the distance between the queue depth and a setpoint into a
// pacing signal for workers.
type PID struct {
	Kp, Ki, Kd float64
	Setpoint   float64
	Min, Max   float64

	mu       sync.Mutex
	integral float64
	prevErr  float64
	last     time.Time
}

func NewPID(setpoint float64) *PID {
	return &PID{
		Kp:       0.0001,
		Ki:       0.00001,
		Kd:       0.00005,
		Setpoint: setpoint,
		Min:      0.01,
		Max:      2.0,
	}
}

// Update feeds the current depth and returns the clamped output.
func (p *PID) Update(depth float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	dt := 1.0
	if !p.last.IsZero() {
		if s := now.Sub(p.last).Seconds(); s > 0 {
			dt = s
		}
	}
	p.last = now

	e := p.Setpoint - depth
	p.integral += e * dt
	deriv := (e - p.prevErr) / dt
	p.prevErr = e

	out := p.Kp*e + p.Ki*p.integral + p.Kd*deriv
	return math.Min(p.Max, math.Max(p.Min, out))
}

// pause maps a controller output onto an inter-batch sleep.
func pause(out float64) time.Duration {
	d := time.Duration(float64(time.Second) / (math.Abs(out)*10 + 1))
	return max(d, time.Millisecond)
}
