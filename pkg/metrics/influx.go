// Package metrics 将协调器的观测事件写入 InfluxDB，
// 供外部仪表盘分析提供商成功率与延迟分布。
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"tradescout/pkg/logger"
)

// InfluxConfig InfluxDB 连接配置
type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// InfluxObserver 异步写入观测点的 Observer 实现。
// 写入失败只记日志，绝不影响数据获取路径。
type InfluxObserver struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *logger.Entry
}

// NewInfluxObserver 创建观测器并启动异步写入通道
func NewInfluxObserver(config InfluxConfig) *InfluxObserver {
	client := influxdb2.NewClient(config.URL, config.Token)
	writeAPI := client.WriteAPI(config.Org, config.Bucket)

	obs := &InfluxObserver{
		client:   client,
		writeAPI: writeAPI,
		log:      logger.WithComponent("metrics"),
	}

	go func() {
		for err := range writeAPI.Errors() {
			obs.log.Warnf("InfluxDB 写入失败: %v", err)
		}
	}()

	return obs
}

// ObserveFetch 记录一次提供商调用
func (o *InfluxObserver) ObserveFetch(providerID, dataType, outcome string, latency time.Duration) {
	point := influxdb2.NewPoint(
		"provider_fetch",
		map[string]string{
			"provider":  providerID,
			"data_type": dataType,
			"outcome":   outcome,
		},
		map[string]interface{}{
			"latency_ms": float64(latency.Microseconds()) / 1000.0,
			"count":      1,
		},
		time.Now(),
	)
	o.writeAPI.WritePoint(point)
}

// Close 刷出未写入的点并关闭连接
func (o *InfluxObserver) Close() {
	o.writeAPI.Flush()
	o.client.Close()
}
