// Package metrics holds the expvar helpers shared by the engine and the reader.
package metrics

import (
	"expvar"
	"fmt"
	"time"
)

// LatencyBuckets are the upper bounds, in seconds, of latency histograms.
var LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Factory creates metric variables either in the global expvar namespace or
// as private, unpublished variables (tests, multiple engines per process).
type Factory struct {
	global bool
	prefix string
}

func NewFactory(publishGlobally bool, prefix string) Factory {
	return Factory{global: publishGlobally, prefix: prefix}
}

func (f Factory) Int(name string) *expvar.Int {
	if !f.global {
		return new(expvar.Int)
	}
	return publishInt(f.prefix + name)
}

func (f Factory) Float(name string) *expvar.Float {
	if !f.global {
		return new(expvar.Float)
	}
	return publishFloat(f.prefix + name)
}

// Histogram creates a cumulative latency histogram with count, sum and one
// counter per bucket.
func (f Factory) Histogram(name string) *expvar.Map {
	var m *expvar.Map
	if f.global {
		m = publishMap(f.prefix + name)
	} else {
		m = new(expvar.Map).Init()
	}
	m.Set("count", new(expvar.Int))
	m.Set("sum", new(expvar.Float))
	for _, b := range LatencyBuckets {
		m.Set(bucketName(b), new(expvar.Int))
	}
	m.Set("le_inf", new(expvar.Int))
	return m
}

// Func publishes a computed value. It is a no-op for private factories and
// for names that are already published.
func (f Factory) Func(name string, fn func() any) {
	if !f.global || expvar.Get(f.prefix+name) != nil {
		return
	}
	expvar.Publish(f.prefix+name, expvar.Func(fn))
}

func bucketName(b float64) string {
	return fmt.Sprintf("le_%.3f", b)
}

// ObserveLatency records d in a histogram created by Factory.Histogram.
func ObserveLatency(hist *expvar.Map, d time.Duration) {
	if hist == nil {
		return
	}
	seconds := d.Seconds()
	if v, ok := hist.Get("count").(*expvar.Int); ok {
		v.Add(1)
	}
	if v, ok := hist.Get("sum").(*expvar.Float); ok {
		v.Add(seconds)
	}
	// Cumulative: a value counts in its bucket and every larger one.
	for _, b := range LatencyBuckets {
		if seconds <= b {
			if v, ok := hist.Get(bucketName(b)).(*expvar.Int); ok {
				v.Add(1)
			}
		}
	}
	if v, ok := hist.Get("le_inf").(*expvar.Int); ok {
		v.Add(1)
	}
}

// publishInt returns the published Int called name, resetting it if it
// already exists.
func publishInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

func publishFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

func publishMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
