// Package metrics はPrometheusのメトリクスを定義する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pii_encryption"

var (
	// FieldOperations はフィールドの暗号化・復号の結果別件数。
	FieldOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "field_operations_total",
		Help:      "Field encrypt/decrypt operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// KeysCreated は作成された鍵の件数。
	KeysCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keys_created_total",
		Help:      "Encryption keys created by key type and algorithm.",
	}, []string{"key_type", "algorithm"})

	// RecordsMigrated はローテーションで再暗号化したレコード件数。
	RecordsMigrated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotation_records_migrated_total",
		Help:      "Encrypted records re-encrypted under a successor key.",
	})

	// Rotations は終了したローテーションの結果別件数。
	Rotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotations_total",
		Help:      "Finished key rotations by final state.",
	}, []string{"state"})

	// HTTPRequests は管理APIのリクエスト件数。
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Admin API requests by method and status code.",
	}, []string{"method", "code"})
)

func init() {
	prometheus.MustRegister(FieldOperations, KeysCreated, RecordsMigrated, Rotations, HTTPRequests)
}

// Handler は /metrics 用のハンドラを返す。
func Handler() http.Handler {
	return promhttp.Handler()
}
