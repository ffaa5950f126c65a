package epishard

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DatasetCollector exposes a dataset snapshot plus its resolver as
// prometheus metrics.
type DatasetCollector struct {
	ds  *Dataset
	res *Resolver

	episodes       *prometheus.Desc
	frames         *prometheus.Desc
	tasks          *prometheus.Desc
	shards         *prometheus.Desc
	resolveLatency *prometheus.Desc
}

func NewDatasetCollector(ds *Dataset, res *Resolver) *DatasetCollector {
	return &DatasetCollector{
		ds:  ds,
		res: res,

		episodes: prometheus.NewDesc(
			"epishard_dataset_episodes_total",
			"Number of episodes in the open dataset snapshot",
			nil, nil,
		),
		frames: prometheus.NewDesc(
			"epishard_dataset_frames_total",
			"Number of frames in the open dataset snapshot",
			nil, nil,
		),
		tasks: prometheus.NewDesc(
			"epishard_dataset_tasks_total",
			"Number of distinct task labels in the open dataset snapshot",
			nil, nil,
		),
		shards: prometheus.NewDesc(
			"epishard_dataset_shards",
			"Number of shards per store",
			[]string{"store"}, nil,
		),
		resolveLatency: prometheus.NewDesc(
			"epishard_resolver_latency_avg_seconds",
			"Running mean latency of timestamp resolution",
			nil, nil,
		),
	}
}

func (dc *DatasetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- dc.episodes
	ch <- dc.frames
	ch <- dc.tasks
	ch <- dc.shards
	ch <- dc.resolveLatency
}

func (dc *DatasetCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		dc.episodes,
		prometheus.GaugeValue,
		float64(dc.ds.Len()),
	)
	ch <- prometheus.MustNewConstMetric(
		dc.frames,
		prometheus.GaugeValue,
		float64(totalFrames(dc.ds.episodes)),
	)
	ch <- prometheus.MustNewConstMetric(
		dc.tasks,
		prometheus.GaugeValue,
		float64(countTasks(dc.ds.episodes)),
	)
	for _, store := range dc.ds.Stores() {
		m, err := dc.ds.Manifest(store)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			dc.shards,
			prometheus.GaugeValue,
			float64(m.Len()),
			string(store),
		)
	}
	if dc.res != nil {
		ch <- prometheus.MustNewConstMetric(
			dc.resolveLatency,
			prometheus.GaugeValue,
			dc.res.AvgLatency(),
		)
	}
}
