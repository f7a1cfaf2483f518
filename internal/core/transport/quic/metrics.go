package quic

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics 传输层带宽与连接指标
type metrics struct {
	bytes       *prometheus.CounterVec
	dials       *prometheus.CounterVec
	streams     *prometheus.CounterVec
	connections prometheus.GaugeFunc
}

func newMetrics(t *Transport) *metrics {
	return &metrics{
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kad",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Bytes carried on request streams, by direction.",
		}, []string{"direction"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kad",
			Subsystem: "transport",
			Name:      "dials_total",
			Help:      "Outbound dial attempts, by result.",
		}, []string{"result"}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kad",
			Subsystem: "transport",
			Name:      "streams_total",
			Help:      "Request streams handled, by direction.",
		}, []string{"direction"}),
		connections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "kad",
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Number of cached peer connections.",
		}, func() float64 {
			return float64(t.NumConns())
		}),
	}
}

// Collectors 返回全部指标收集器
func (m *metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.bytes, m.dials, m.streams, m.connections}
}

func (m *metrics) dialResult(err error) {
	if err != nil {
		m.dials.WithLabelValues("failure").Inc()
		return
	}
	m.dials.WithLabelValues("success").Inc()
}

// countingWriter 统计写出的字节
type countingWriter struct {
	w io.Writer
	c prometheus.Counter
}

func (cw countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.c.Add(float64(n))
	return n, err
}

// countingReader 统计读入的字节
type countingReader struct {
	r io.Reader
	c prometheus.Counter
}

func (cr countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.c.Add(float64(n))
	return n, err
}

func (m *metrics) writer(w io.Writer) io.Writer {
	return countingWriter{w: w, c: m.bytes.WithLabelValues("out")}
}

func (m *metrics) reader(r io.Reader) io.Reader {
	return countingReader{r: r, c: m.bytes.WithLabelValues("in")}
}
