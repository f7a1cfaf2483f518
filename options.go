package kad

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-dep2p-kad/config"
)

// Option 节点配置选项
type Option func(*options) error

type options struct {
	config     *config.Config
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	fxLog      bool
}

func newOptions() *options {
	return &options{config: config.NewConfig()}
}

// WithConfig 使用完整配置，之后的选项在其基础上覆盖
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		o.config = cfg
		return nil
	}
}

// WithConfigFile 从 JSON 文件加载配置
func WithConfigFile(path string) Option {
	return func(o *options) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		o.config = cfg
		return nil
	}
}

// WithListenAddrs 设置监听地址
func WithListenAddrs(addrs ...string) Option {
	return func(o *options) error {
		o.config.Transport.ListenAddrs = addrs
		return nil
	}
}

// WithListenPort 在所有网卡的指定 UDP 端口上监听
func WithListenPort(port int) Option {
	return func(o *options) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		o.config.Transport.ListenAddrs = []string{fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port)}
		return nil
	}
}

// WithBootstrapPeers 设置引导节点（携带 /p2p/<id> 的完整地址）
func WithBootstrapPeers(peers ...string) Option {
	return func(o *options) error {
		o.config.DHT.BootstrapPeers = peers
		return nil
	}
}

// WithIdentityFile 设置身份密钥文件，不存在时自动生成
func WithIdentityFile(path string) Option {
	return func(o *options) error {
		o.config.Identity.KeyFile = path
		o.config.Identity.AutoGenerate = true
		return nil
	}
}

// WithDataDir 设置持久化数据目录
func WithDataDir(dir string) Option {
	return func(o *options) error {
		o.config.Storage.DataDir = dir
		o.config.Storage.InMemory = false
		return nil
	}
}

// WithInMemoryStorage 使用纯内存存储
func WithInMemoryStorage() Option {
	return func(o *options) error {
		o.config.Storage.InMemory = true
		return nil
	}
}

// WithRegisterer 指定指标注册表，默认每个节点使用独立的注册表
//
// reg 同时实现 prometheus.Gatherer 时，自省服务的 /metrics 从它读取。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) error {
		o.registerer = reg
		o.gatherer, _ = reg.(prometheus.Gatherer)
		return nil
	}
}

// WithFxLogger 输出 fx 容器的事件日志（调试用）
func WithFxLogger(enable bool) Option {
	return func(o *options) error {
		o.fxLog = enable
		return nil
	}
}
