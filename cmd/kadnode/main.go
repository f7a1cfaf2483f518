// Package main 提供 kadnode 命令行入口
//
// 用法：
//
//	kadnode [flags] run
//	kadnode [flags] findpeer <peer-id>
//	kadnode [flags] providers <cid>
//	kadnode [flags] provide <cid|data>
//	kadnode [flags] put <value>
//	kadnode [flags] get <peer-id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	kad "github.com/dep2p/go-dep2p-kad"
	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

var logger = log.Logger("kadnode/cmd")

var (
	configFile   = flag.String("config", "", "配置文件路径（JSON）")
	listen       = flag.String("listen", "", "监听地址，逗号分隔（覆盖配置文件）")
	bootstrap    = flag.String("bootstrap", "", "引导节点地址，逗号分隔（覆盖配置文件）")
	identityFile = flag.String("identity", "", "身份密钥文件路径")
	dataDir      = flag.String("data-dir", "", "数据目录")
	inMemory     = flag.Bool("in-memory", false, "使用纯内存存储")
	logLevel     = flag.String("log-level", "", "日志级别 (debug/info/warn/error)")
	fxLog        = flag.Bool("fx-log", false, "输出 fx 容器事件日志")
	metricsAddr  = flag.String("metrics", "", "自省 HTTP 服务地址，提供 /metrics 与 /debug/introspect（覆盖配置文件）")
	timeout      = flag.Duration("timeout", time.Minute, "单次操作超时")
	limit        = flag.Int("limit", 20, "providers 命令最多返回的数量")
	acceptLocal  = flag.Bool("accept-local", false, "providers 命令接受回环与私网地址")
	showVersion  = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(kad.VersionInfo())
		return nil
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	cfg, err := buildConfig()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("启动 kad 节点", "version", kad.Version, "commit", kad.GitCommit)
	node, err := kad.Start(ctx, kad.WithConfig(cfg), kad.WithFxLogger(*fxLog))
	if err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer func() { _ = node.Close() }()

	cmd, cmdArgs := args[0], args[1:]
	if cmd == "run" {
		return runDaemon(ctx, node)
	}

	opCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := node.Bootstrap(opCtx); err != nil {
		logger.Warn("引导失败", "err", err)
	}
	return runCommand(opCtx, node, cmd, cmdArgs)
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `%s

用法: kadnode [flags] <command> [args]

命令:
  run                  运行节点直到收到退出信号
  findpeer <peer-id>   查找节点地址
  providers <cid>      查找内容提供者
  provide <cid|data>   宣告提供内容（非 CID 参数按原始数据计算 CID）
  put <value>          以本节点身份发布 /ipns/<self> 记录
  get <peer-id>        解析节点发布的记录

flags:
`, kad.VersionInfo())
	flag.PrintDefaults()
}

// buildConfig 加载配置文件并应用命令行覆盖
func buildConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}

	if *listen != "" {
		cfg.Transport.ListenAddrs = splitList(*listen)
	}
	if *bootstrap != "" {
		cfg.DHT.BootstrapPeers = splitList(*bootstrap)
	}
	if *identityFile != "" {
		cfg.Identity.KeyFile = *identityFile
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *inMemory {
		cfg.Storage.InMemory = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = *metricsAddr
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setupLogging(c config.LogConfig) error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	if c.JSON {
		log.SetDefault(log.NewJSON(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	}
	log.SetOutputWithLevel(os.Stderr, level)
	return nil
}

// runDaemon 打印节点信息并等待退出信号
func runDaemon(ctx context.Context, node *kad.Node) error {
	fmt.Printf("PeerID: %s\n", node.ID())
	addrs, err := node.P2PAddrs()
	if err != nil {
		return err
	}
	for _, a := range addrs {
		fmt.Printf("  %s\n", a)
	}
	if addr := node.IntrospectAddr(); addr != "" {
		fmt.Printf("自省服务: http://%s/debug/introspect\n", addr)
	}
	fmt.Println("节点已启动，按 Ctrl+C 退出")

	<-ctx.Done()
	fmt.Println("\n正在关闭节点...")
	return nil
}

func runCommand(ctx context.Context, node *kad.Node, cmd string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s: expected exactly one argument", cmd)
	}
	arg := args[0]

	switch cmd {
	case "findpeer":
		id, err := types.DecodePeerID(arg)
		if err != nil {
			return err
		}
		info, err := node.FindPeer(ctx, id)
		if err != nil {
			return err
		}
		printPeer(info)

	case "providers":
		c, err := cid.Decode(arg)
		if err != nil {
			return err
		}
		provs, err := node.FindProviders(ctx, c, *limit, *acceptLocal)
		if err != nil {
			return err
		}
		if len(provs) == 0 {
			fmt.Println("未找到提供者")
		}
		for _, p := range provs {
			printPeer(p)
		}

	case "provide":
		c, err := contentID(arg)
		if err != nil {
			return err
		}
		if err := node.Provide(ctx, c); err != nil {
			return err
		}
		fmt.Printf("已宣告 %s\n", c)

	case "put":
		if err := node.Publish(ctx, []byte(arg)); err != nil {
			return err
		}
		fmt.Printf("已发布 /ipns/%s\n", node.ID())

	case "get":
		id, err := types.DecodePeerID(arg)
		if err != nil {
			return err
		}
		v, err := node.Resolve(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(string(v))

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// contentID 解析 CID，失败时把参数视为原始数据计算 CIDv1
func contentID(arg string) (cid.Cid, error) {
	if c, err := cid.Decode(arg); err == nil {
		return c, nil
	}
	h, err := mh.Sum([]byte(arg), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, h), nil
}

func printPeer(p types.PeerInfo) {
	fmt.Println(p.ID)
	for _, a := range p.Addrs {
		fmt.Printf("  %s\n", a)
	}
}
