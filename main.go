package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/config"
	"github.com/any-hub/edge-cache/internal/logging"
	"github.com/any-hub/edge-cache/internal/metrics"
	"github.com/any-hub/edge-cache/internal/proxy"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/version"
	"github.com/any-hub/edge-cache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	inspect     bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	manifest := worker.ManifestFromConfig(cfg.Cache)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["storage"] = cfg.Storage.Driver
		fields["partitions"] = manifest.Partitions()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	store, err := cache.OpenStorage(cfg.Storage)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化分区存储失败: %v\n", err)
		return 1
	}
	defer closeStorage(store)

	if opts.inspect {
		if err := printInventory(context.Background(), stdOut, store, manifest); err != nil {
			fmt.Fprintf(stdErr, "读取分区清单失败: %v\n", err)
			return 1
		}
		return 0
	}

	site, err := server.NewSite(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "解析站点失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序为“配置 → 分区存储 → 控制者安装/激活 → Fiber server”，
	// 服务开始监听前缓存层已处于 activated 状态。
	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	fetcher := &worker.HTTPFetcher{
		Client:   server.NewUpstreamClient(cfg),
		Origin:   site.Origin,
		Upstream: site.Upstream,
	}
	manager, err := worker.New(worker.Options{
		Storage:  store,
		Fetcher:  fetcher,
		Manifest: manifest,
		Scope:    site.Origin,
		Logger:   logger,
		Recorder: recorder,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "创建缓存控制者失败: %v\n", err)
		return 1
	}

	registration := worker.NewRegistration(logger)
	if err := registration.Register(ctx, manager); err != nil {
		fmt.Fprintf(stdErr, "安装缓存控制者失败: %v\n", err)
		return 1
	}

	handler := proxy.NewHandler(registration, fetcher, logger)
	forwarder := proxy.NewForwarder(handler, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["forward_proxy_port"] = cfg.Global.ForwardProxyPort
	fields["origin"] = site.Origin.String()
	fields["storage"] = cfg.Storage.Driver
	fields["partitions"] = manifest.Partitions()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	err = startServers(ctx, serverDeps{
		cfg:          cfg,
		site:         site,
		proxy:        forwarder,
		registration: registration,
		recorder:     recorder,
		logger:       logger,
	})
	registration.Wait()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("edge-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		inspect    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 EDGE_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&inspect, "inspect", false, "以 YAML 输出分区清单后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("EDGE_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		inspect:     inspect,
	}, nil
}

func closeStorage(store cache.Storage) {
	if closer, ok := store.(io.Closer); ok {
		_ = closer.Close()
	}
}
