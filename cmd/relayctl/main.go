package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/tick-relay/internal/config"
	"github.com/rickgao/tick-relay/internal/dist"
	"github.com/rickgao/tick-relay/internal/model"
	"github.com/rickgao/tick-relay/internal/registry"
	"github.com/rickgao/tick-relay/internal/version"
)

const usageText = `relayctl drives a running tick relay over Redis.

Usage:
  relayctl [flags] <command>

Commands:
  subscribe -topic <topic>     request an upstream subscription
  unsubscribe -topic <topic>   tear an upstream subscription down
  subs                         list current subscriptions
  reconnect                    force an upstream reconnect
  get -symbol <symbol>         print the cached tick for a symbol
  watch -symbol <symbol>       stream pushed ticks until interrupted
  health                       print relay health and liveness
  version                      print version information

Flags:
  -redis <addr>    Redis address (default localhost:6379)
  -db <n>          Redis database (default 0)
  -password <pw>   Redis password
  -prefix <p>      key prefix (default tick_relay)
  -config <path>   read the flags above from a relay config file
`

func main() {
	redisAddr := flag.String("redis", config.DefaultRedisAddr, "redis address")
	redisDB := flag.Int("db", 0, "redis database")
	redisPassword := flag.String("password", "", "redis password")
	prefix := flag.String("prefix", config.DefaultKeyPrefix, "key prefix")
	configPath := flag.String("config", "", "relay config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)
	args := flag.Args()[1:]

	if command == "version" {
		fmt.Printf("relayctl %s (%s)\n", version.Version, version.Commit)
		return
	}

	addrs := []string{*redisAddr}
	password := *redisPassword
	db := *redisDB
	keyPrefix := *prefix
	if *configPath != "" {
		cfg, err := config.LoadWithDefaults(*configPath)
		if err != nil {
			fatal("load config: %v", err)
		}
		addrs = cfg.Redis.Addrs
		password = cfg.Redis.Password
		db = cfg.Redis.DB
		keyPrefix = cfg.Redis.KeyPrefix
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := dist.NewRedisStore(ctx, dist.StoreConfig{
		Addrs:    addrs,
		Password: password,
		DB:       db,
	})
	if err != nil {
		fatal("connect to redis: %v", err)
	}
	defer store.Close()

	client := dist.NewClient(store, dist.Keys{Prefix: keyPrefix}, dist.DefaultClientConfig(), nil)

	switch command {
	case "subscribe":
		runCommand(ctx, client, model.CommandSubscribe, topicArg(command, args))
	case "unsubscribe":
		runCommand(ctx, client, model.CommandUnsubscribe, topicArg(command, args))
	case "subs":
		listSubscriptions(ctx, client)
	case "reconnect":
		runCommand(ctx, client, model.CommandReconnect, "")
	case "get":
		getTick(ctx, client, symbolArg(command, args))
	case "watch":
		watchTicks(ctx, client, symbolArg(command, args))
	case "health":
		printHealth(ctx, client)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		os.Exit(2)
	}
}

func topicArg(command string, args []string) string {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	topic := fs.String("topic", "", "market topic")
	fs.Parse(args)
	if *topic == "" {
		fatal("%s requires -topic", command)
	}
	return *topic
}

func symbolArg(command string, args []string) string {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	symbol := fs.String("symbol", "", "market symbol")
	fs.Parse(args)
	if *symbol == "" {
		fatal("%s requires -symbol", command)
	}
	return *symbol
}

func runCommand(ctx context.Context, client *dist.Client, kind model.CommandType, topic string) {
	cmd := model.NewCommand(kind, topic)
	result, err := client.SendCommand(ctx, cmd, 0)
	if err != nil {
		fatal("%s: %v", kind, err)
	}
	if !result.Success {
		fatal("%s rejected: %s", kind, result.Message)
	}
	fmt.Println(result.Message)
}

func listSubscriptions(ctx context.Context, client *dist.Client) {
	result, err := client.SendCommand(ctx, model.NewCommand(model.CommandGetSubscriptions, ""), 0)
	if err != nil {
		fatal("get subscriptions: %v", err)
	}
	if !result.Success {
		fatal("get subscriptions rejected: %s", result.Message)
	}

	var subs []registry.Subscription
	if err := json.Unmarshal(result.Subscriptions, &subs); err != nil {
		fatal("decode subscriptions: %v", err)
	}
	if len(subs) == 0 {
		fmt.Println("no subscriptions")
		return
	}
	for _, sub := range subs {
		fmt.Printf("%-12s %-10s %8d msgs  %s\n", sub.Topic, sub.Status, sub.MessageCount, sub.ID)
	}
}

func getTick(ctx context.Context, client *dist.Client, symbol string) {
	tick, err := client.GetTick(ctx, symbol)
	if err != nil {
		fatal("get %s: %v", symbol, err)
	}
	printTick(tick)
}

func watchTicks(ctx context.Context, client *dist.Client, symbol string) {
	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", symbol)
	err := client.SubscribeTicks(ctx, symbol, printTick)
	if err != nil && ctx.Err() == nil {
		fatal("watch %s: %v", symbol, err)
	}
}

func printTick(tick model.CachedTick) {
	at := time.UnixMilli(int64(tick.DaemonTimestamp * 1000)).Format(time.RFC3339)
	fmt.Printf("%s  %s  pid=%d  %s\n", at, tick.StockCode, tick.DaemonPID, tick.Data)
}

func printHealth(ctx context.Context, client *dist.Client) {
	liveness, record, err := client.Health(ctx)
	if err != nil {
		fatal("health: %v", err)
	}
	fmt.Printf("liveness: %s\n", liveness)
	if liveness == dist.LivenessDead && record.PID == 0 {
		return
	}
	fmt.Printf("pid: %d  uptime: %.0fs  written: %s ago\n",
		record.PID, record.UptimeSec, time.Since(record.WrittenAt).Round(time.Second))
	fmt.Printf("overall: %s  connection: %s  reconnects: %d\n",
		record.Snapshot.Overall, record.Snapshot.ConnectionState, record.Snapshot.ReconnectCount)
	fmt.Printf("subscriptions: %d active / %d pending / %d failed (%.1f%% success)\n",
		record.Snapshot.ActiveSubscriptions, record.Snapshot.PendingSubscriptions,
		record.Snapshot.FailedSubscriptions, record.Snapshot.SubscriptionSuccess)
	fmt.Printf("processing: %d processed  queue %d  %.1f%% errors  %d dropped\n",
		record.Snapshot.ProcessedTotal, record.Snapshot.QueueDepth,
		record.Snapshot.ErrorRate, record.Snapshot.DroppedTotal)
	for _, metric := range record.Snapshot.Metrics {
		if metric.Status != model.StatusHealthy {
			fmt.Printf("  %s: %.1f (%s)\n", metric.Name, metric.Value, metric.Status)
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
