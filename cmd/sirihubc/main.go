package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/transitlabs/sirihub/client"
	"github.com/transitlabs/sirihub/config"
	"github.com/transitlabs/sirihub/models"
)

var (
	logger     *slog.Logger
	configPath string
	directAddr string
	targetNode string
	useTLS     bool
	skipVerify bool

	successColor = color.New(color.FgHiGreen)
	errorColor   = color.New(color.FgHiRed)
	titleColor   = color.New(color.FgHiCyan, color.Bold)
	fieldColor   = color.New(color.FgHiMagenta)
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	flag.StringVar(&configPath, "config", "hub.yaml", "Path to the hub configuration file")
	flag.StringVar(&directAddr, "addr", "", "Connect to this host:port directly, bypassing the config file")
	flag.StringVar(&targetNode, "target", "", "Target node ID. Defaults to defaultLeader in config.")
	flag.BoolVar(&useTLS, "tls", false, "Use TLS when connecting with --addr")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip TLS certificate verification")
}

func getClient() (*client.Client, error) {
	if directAddr != "" {
		return client.NewClient(&client.Config{
			ConnectionType: client.ConnectionTypeDirect,
			Endpoints:      []client.Endpoint{{HostPort: directAddr, UseTLS: useTLS}},
			SkipVerify:     skipVerify,
			Logger:         logger,
		})
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}

	nodeID := targetNode
	if nodeID == "" {
		nodeID = cfg.Cluster.DefaultLeader
	}
	node, ok := cfg.Cluster.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node ID '%s' not found in configuration", nodeID)
	}

	hostPort := node.HTTPBinding
	if node.ClientDomain != "" {
		hostPort = node.ClientDomain
	}

	return client.NewClient(&client.Config{
		ConnectionType: client.ConnectionTypeDirect,
		Endpoints:      []client.Endpoint{{HostPort: hostPort, UseTLS: cfg.Cluster.TLS.Cert != ""}},
		InstanceSecret: cfg.Cluster.InstanceSecret,
		SkipVerify:     cfg.Cluster.ClientSkipVerify || skipVerify,
		Logger:         logger,
	})
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]
	cmdArgs := args[1:]

	cli, err := getClient()
	if err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case "status":
		handleStatus(cli)
	case "datasets":
		handleDatasets(cli)
	case "subscriptions":
		handleSubscriptions(cli)
	case "snapshot":
		handleSnapshot(cli, cmdArgs)
	case "subscribe":
		handleSubscribe(cli, cmdArgs)
	case "terminate":
		handleTerminate(cli, cmdArgs)
	case "tail":
		handleTail(cli, cmdArgs)
	default:
		errorColor.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: sirihubc [flags] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  status                                  Show node status and inbound health")
	fmt.Fprintln(os.Stderr, "  datasets                                List known datasets")
	fmt.Fprintln(os.Stderr, "  subscriptions                           List inbound and outbound subscriptions")
	fmt.Fprintln(os.Stderr, "  snapshot <category> [dataset]           Pull the current state of a category")
	fmt.Fprintln(os.Stderr, "  subscribe <id> <category> <address> [heartbeat]")
	fmt.Fprintln(os.Stderr, "  terminate <id> [category]               Remove one slot, or all with no category")
	fmt.Fprintln(os.Stderr, "  tail <id> <category>                    Stream deltas for a subscription slot")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
}

func fatal(format string, args ...any) {
	errorColor.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func handleStatus(cli *client.Client) {
	status, err := cli.Status()
	if err != nil {
		fatal("%v", err)
	}

	titleColor.Printf("Node %s\n", status.Node)
	if status.Status == "ok" {
		successColor.Printf("  status: %s\n", status.Status)
	} else {
		errorColor.Printf("  status: %s\n", status.Status)
	}
	fmt.Printf("  uptime: %s\n", status.Uptime)
	if status.Leader {
		fmt.Println("  role:   leader")
	}

	titleColor.Println("Categories")
	for _, cat := range status.Categories {
		fmt.Printf("  %s %d entries\n", fieldColor.Sprintf("%-4s", string(cat.Category)), cat.Entries)
	}

	titleColor.Println("Inbound subscriptions")
	for _, sub := range status.Subscriptions {
		verdict := successColor.Sprint("healthy")
		if sub.Failing {
			verdict = errorColor.Sprint("FAILING")
		} else if !sub.Active {
			verdict = "inactive"
		}
		fmt.Printf("  %s %s/%s [%s] %s\n",
			fieldColor.Sprint(sub.SubscriptionID), sub.Vendor, sub.Dataset, string(sub.Category), verdict)
	}
}

func handleDatasets(cli *client.Client) {
	datasets, err := cli.Datasets()
	if err != nil {
		fatal("%v", err)
	}
	for _, d := range datasets {
		fmt.Println(d)
	}
}

func handleSubscriptions(cli *client.Client) {
	subs, err := cli.Subscriptions()
	if err != nil {
		fatal("%v", err)
	}

	titleColor.Println("Inbound")
	for _, sub := range subs.Inbound {
		fmt.Printf("  %s %s/%s [%s] state=%s\n",
			fieldColor.Sprint(sub.ID), sub.Vendor, sub.Dataset, string(sub.Category), string(sub.State))
	}
	titleColor.Println("Outbound")
	for _, sub := range subs.Outbound {
		fmt.Printf("  %s [%s] -> %s heartbeat=%s failures=%d\n",
			fieldColor.Sprint(sub.ID), string(sub.Category), sub.ConsumerAddress,
			sub.HeartbeatInterval, sub.FailCount)
	}
}

func handleSnapshot(cli *client.Client, args []string) {
	if len(args) < 1 {
		fatal("snapshot requires a category")
	}
	category, err := models.ParseCategory(args[0])
	if err != nil {
		fatal("%v", err)
	}
	dataset := ""
	if len(args) > 1 {
		dataset = args[1]
	}

	snapshot, err := cli.Snapshot(category, dataset, models.SubscriptionFilter{})
	if err != nil {
		fatal("%v", err)
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println(string(out))
}

func handleSubscribe(cli *client.Client, args []string) {
	if len(args) < 3 {
		fatal("subscribe requires <id> <category> <consumerAddress>")
	}
	category, err := models.ParseCategory(args[1])
	if err != nil {
		fatal("%v", err)
	}

	heartbeat := time.Minute
	if len(args) > 3 {
		heartbeat, err = time.ParseDuration(args[3])
		if err != nil {
			fatal("bad heartbeat interval: %v", err)
		}
	}

	resp, err := cli.Subscribe(models.SubscribeRequest{
		SubscriptionID:    args[0],
		Category:          category,
		ConsumerAddress:   args[2],
		HeartbeatInterval: models.Duration(heartbeat),
	})
	if err != nil {
		fatal("%v", err)
	}

	if resp.Status {
		successColor.Printf("Subscribed %s [%s], heartbeat %s\n",
			resp.SubscriptionID, string(resp.Category), time.Duration(resp.HeartbeatInterval))
	} else {
		fatal("subscription refused: %s", resp.ErrorText)
	}
}

func handleTerminate(cli *client.Client, args []string) {
	if len(args) < 1 {
		fatal("terminate requires <id>")
	}

	req := models.TerminateRequest{SubscriptionID: args[0], All: true}
	if len(args) > 1 {
		category, err := models.ParseCategory(args[1])
		if err != nil {
			fatal("%v", err)
		}
		req.Category = category
		req.All = false
	}

	resp, err := cli.Terminate(req)
	if err != nil {
		fatal("%v", err)
	}
	successColor.Printf("Removed %d slot(s)\n", resp.Removed)
}

func handleTail(cli *client.Client, args []string) {
	if len(args) < 2 {
		fatal("tail requires <id> <category>")
	}
	category, err := models.ParseCategory(args[1])
	if err != nil {
		fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = cli.TailDeltas(ctx, args[0], category, func(d client.Delivery) {
		if d.Kind == models.DeliveryHeartbeat {
			fieldColor.Printf("%s heartbeat\n", d.Timestamp.Format(time.RFC3339))
			return
		}
		fmt.Printf("%s delta: %d object(s)\n", d.Timestamp.Format(time.RFC3339), len(d.Objects))
		for _, obj := range d.Objects {
			fmt.Printf("  %s\n", string(obj))
		}
	})
	if err != nil && ctx.Err() == nil {
		fatal("%v", err)
	}
}
