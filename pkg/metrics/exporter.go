// Package metrics exposes the ledger and engine state as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/transcode"
)

const namespace = "kipepeo"

// Source is the engine view the exporter reads on every scrape.
type Source interface {
	Status() model.Status
	Snapshot() model.Snapshot
}

// ClassifierCounts is implemented by *classify.Classifier.
type ClassifierCounts interface {
	Counts() (eligible, notEligible, malformed uint64)
}

// TranscodeStats is implemented by *transcode.Engine.
type TranscodeStats interface {
	Stats() transcode.Stats
}

type Exporter struct {
	src        Source
	classifier ClassifierCounts
	transcoder TranscodeStats

	bytesUsed    *prometheus.Desc
	bytesSaved   *prometheus.Desc
	ratio        *prometheus.Desc
	sessions     *prometheus.Desc
	aborted      *prometheus.Desc
	inflated     *prometheus.Desc
	usedRate     *prometheus.Desc
	savedRate    *prometheus.Desc
	deviceBytes  *prometheus.Desc
	epoch        *prometheus.Desc
	active       *prometheus.Desc
	classified   *prometheus.Desc
	builds       *prometheus.Desc
	cacheHits    *prometheus.Desc
	passthroughs *prometheus.Desc
	codecErrors  *prometheus.Desc
	cacheBytes   *prometheus.Desc
	cacheEntries *prometheus.Desc
}

// NewExporter builds a collector over src. classifier and transcoder may be nil.
func NewExporter(src Source, classifier ClassifierCounts, transcoder TranscodeStats) *Exporter {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		src:        src,
		classifier: classifier,
		transcoder: transcoder,

		bytesUsed:    desc("bytes_used_total", "Bytes delivered to clients by intercepted sessions in the current epoch."),
		bytesSaved:   desc("bytes_saved_total", "Bytes saved by transcoding in the current epoch."),
		ratio:        desc("compression_ratio", "Delivered bytes over original bytes, 1 when nothing was recorded."),
		sessions:     desc("sessions_total", "Completed sessions recorded in the current epoch."),
		aborted:      desc("sessions_aborted_total", "Sessions that ended before delivering a complete response."),
		inflated:     desc("sessions_inflated_total", "Sessions whose output was larger than the original."),
		usedRate:     desc("bytes_used_rate", "Delivered bytes per second."),
		savedRate:    desc("bytes_saved_rate", "Saved bytes per second."),
		deviceBytes:  desc("device_bytes_total", "Device-wide traffic seen by the kernel probe.", "direction"),
		epoch:        desc("ledger_epoch", "Current ledger epoch, incremented on every reset."),
		active:       desc("engine_active", "Whether interception is active, by hook mode.", "mode"),
		classified:   desc("classified_total", "Requests classified, by verdict.", "verdict"),
		builds:       desc("transcode_builds_total", "Transcoded outputs built."),
		cacheHits:    desc("transcode_cache_hits_total", "Streams served from the output cache."),
		passthroughs: desc("transcode_passthrough_total", "Streams delivered without transcoding."),
		codecErrors:  desc("transcode_codec_errors_total", "Codec failures that fell back to passthrough."),
		cacheBytes:   desc("transcode_cache_bytes", "Bytes held by the output cache."),
		cacheEntries: desc("transcode_cache_entries", "Entries held by the output cache."),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.bytesUsed
	ch <- e.bytesSaved
	ch <- e.ratio
	ch <- e.sessions
	ch <- e.aborted
	ch <- e.inflated
	ch <- e.usedRate
	ch <- e.savedRate
	ch <- e.deviceBytes
	ch <- e.epoch
	ch <- e.active
	if e.classifier != nil {
		ch <- e.classified
	}
	if e.transcoder != nil {
		ch <- e.builds
		ch <- e.cacheHits
		ch <- e.passthroughs
		ch <- e.codecErrors
		ch <- e.cacheBytes
		ch <- e.cacheEntries
	}
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.src.Snapshot()
	status := e.src.Status()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(e.bytesUsed, snap.BytesUsed)
	counter(e.bytesSaved, snap.BytesSaved)
	gauge(e.ratio, snap.CompressionRatio)
	counter(e.sessions, snap.Samples)
	counter(e.aborted, snap.Aborted)
	counter(e.inflated, snap.Inflated)
	gauge(e.usedRate, float64(snap.UsedRate))
	gauge(e.savedRate, float64(snap.SavedRate))
	counter(e.deviceBytes, snap.DeviceReceived, "received")
	counter(e.deviceBytes, snap.DeviceSent, "sent")
	gauge(e.epoch, float64(snap.Epoch))

	for _, mode := range []model.HookMode{model.HookPrivileged, model.HookRestricted} {
		v := 0.0
		if status.Active() && status.HookMode == mode {
			v = 1
		}
		gauge(e.active, v, string(mode))
	}

	if e.classifier != nil {
		eligible, notEligible, malformed := e.classifier.Counts()
		counter(e.classified, eligible, "eligible")
		counter(e.classified, notEligible, "not_eligible")
		counter(e.classified, malformed, "malformed")
	}

	if e.transcoder != nil {
		st := e.transcoder.Stats()
		counter(e.builds, st.Builds)
		counter(e.cacheHits, st.CacheHits)
		counter(e.passthroughs, st.Passthroughs)
		counter(e.codecErrors, st.CodecErrors)
		gauge(e.cacheBytes, float64(st.CacheBytes))
		gauge(e.cacheEntries, float64(st.CacheEntries))
	}
}
