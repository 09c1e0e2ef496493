package util

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

func GetHistogramVec(name string, labels ...string) (*prometheus.HistogramVec, error) {
	metrics := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: name,
		Buckets: []float64{
			0.0005,
			0.001, // 1ms
			0.002,
			0.005,
			0.01, // 10ms
			0.02,
			0.05,
			0.1, // 100 ms
			0.2,
			0.5,
			1.0, // 1s
			2.0,
			5.0,
			10.0, // 10s
			30.0,
		},
	}, labels)
	return register(metrics)
}

func GetGaugeVec(name string, labels ...string) (*prometheus.GaugeVec, error) {
	return register(prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labels))
}

func GetCounterVec(name string, labels ...string) (*prometheus.CounterVec, error) {
	return register(prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labels))
}

// MustHistogramVec panics when the collector cannot be registered.
func MustHistogramVec(name string, labels ...string) *prometheus.HistogramVec {
	return must(GetHistogramVec(name, labels...))
}

func MustGaugeVec(name string, labels ...string) *prometheus.GaugeVec {
	return must(GetGaugeVec(name, labels...))
}

func MustCounterVec(name string, labels ...string) *prometheus.CounterVec {
	return must(GetCounterVec(name, labels...))
}

func must[C any](c C, err error) C {
	if err != nil {
		panic(err)
	}
	return c
}

// register returns the already registered collector of the same name, so
// repeated construction (tests, multiple instances) shares one series.
func register[C prometheus.Collector](metrics C) (C, error) {
	if err := prometheus.Register(metrics); err != nil {
		var registeredErr prometheus.AlreadyRegisteredError
		if ok := errors.As(err, &registeredErr); ok {
			existing, ok := registeredErr.ExistingCollector.(C)
			if ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register: %w %T", err, err)
	}

	return metrics, nil
}
