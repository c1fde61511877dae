// Package metrics provides centralized metrics management for the gateway.
//
// This package implements a taxonomy of Prometheus metrics grouped by the
// gateway's own subsystems:
//   - Auth metrics: login issuance, login cache hits/misses, bearer validation failures
//   - Concurrency metrics: gate admissions and rejections
//   - Quota metrics: reservations, exhaustions, write-backs
//   - Upstream metrics: chat-completion calls, connect/idle timeouts
//
// All metrics follow the naming convention:
// llmgateway_<category>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Auth().LoginsTotal.WithLabelValues("success").Inc()
package metrics

import (
	"sync"
)

// Category represents the category of a metric.
type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryConcurrency Category = "concurrency"
	CategoryQuota       Category = "quota"
	CategoryUpstream    Category = "upstream"
)

// Registry is the central registry for all Prometheus metrics, organized
// by category with lazy per-category initialization.
//
// Thread-safe: all Prometheus metrics are thread-safe by design.
type Registry struct {
	namespace string

	auth        *AuthMetrics
	concurrency *ConcurrencyMetrics
	quota       *QuotaMetrics
	upstream    *UpstreamMetrics

	authOnce        sync.Once
	concurrencyOnce sync.Once
	quotaOnce       sync.Once
	upstreamOnce    sync.Once
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton Registry, initialized once
// on first call. Safe for concurrent use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("llmgateway")
	})
	return defaultRegistry
}

// NewRegistry creates a new Registry with the specified namespace. Most
// callers should use DefaultRegistry instead.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "llmgateway"
	}
	return &Registry{namespace: namespace}
}

// Auth returns the Auth metrics manager, lazy-initialized on first access.
//
//	registry.Auth().LoginsTotal.WithLabelValues("success").Inc()
//	registry.Auth().LoginCacheHits.Inc()
func (r *Registry) Auth() *AuthMetrics {
	r.authOnce.Do(func() {
		r.auth = NewAuthMetrics(r.namespace)
	})
	return r.auth
}

// Concurrency returns the Concurrency-gate metrics manager.
//
//	registry.Concurrency().Rejections.Inc()
func (r *Registry) Concurrency() *ConcurrencyMetrics {
	r.concurrencyOnce.Do(func() {
		r.concurrency = NewConcurrencyMetrics(r.namespace)
	})
	return r.concurrency
}

// Quota returns the Quota Ledger metrics manager.
//
//	registry.Quota().Exhaustions.Inc()
func (r *Registry) Quota() *QuotaMetrics {
	r.quotaOnce.Do(func() {
		r.quota = NewQuotaMetrics(r.namespace)
	})
	return r.quota
}

// Upstream returns the upstream-call metrics manager.
//
//	registry.Upstream().RequestDuration.Observe(1.2)
func (r *Registry) Upstream() *UpstreamMetrics {
	r.upstreamOnce.Do(func() {
		r.upstream = NewUpstreamMetrics(r.namespace)
	})
	return r.upstream
}

// Namespace returns the configured Prometheus namespace.
func (r *Registry) Namespace() string {
	return r.namespace
}
