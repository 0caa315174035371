package blobstore

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts object store traffic. A nil *Metrics records nothing.
type Metrics struct {
	uploads     *prometheus.CounterVec
	downloads   *prometheus.CounterVec
	storedBytes prometheus.Counter
}

// NewMetrics registers blob store collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_blob_uploads_total",
			Help: "Blob uploads grouped by result.",
		}, []string{"result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodecrypt_blob_downloads_total",
			Help: "Blob downloads grouped by result.",
		}, []string{"result"}),
		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodecrypt_blob_stored_bytes_total",
			Help: "Bytes accepted by the blob store.",
		}),
	}
	reg.MustRegister(m.uploads, m.downloads, m.storedBytes)
	return m
}

func (m *Metrics) recordUpload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) recordDownload(result string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) addBytes(n int64) {
	if m == nil {
		return
	}
	m.storedBytes.Add(float64(n))
}
