// rescuenetd runs one RescueNet mesh node as a headless daemon.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
	"github.com/Srikantmodi/rescuenet/internal/config"
	"github.com/Srikantmodi/rescuenet/internal/diagstream"
	"github.com/Srikantmodi/rescuenet/internal/engine"
	"github.com/Srikantmodi/rescuenet/internal/gateway"
	"github.com/Srikantmodi/rescuenet/internal/meshlink"
	"github.com/Srikantmodi/rescuenet/internal/packet"
	"github.com/Srikantmodi/rescuenet/internal/store"
)

// Exit codes follow the BSD sysexits convention.
const (
	exitOK          = 0
	exitUsage       = 64
	exitIOError     = 74
	exitTempFailure = 75
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("rescuenetd v%s\n", appVersion)
		os.Exit(exitOK)
	}
	if *showHelp {
		showUsage()
		os.Exit(exitOK)
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(exitUsage)
	}

	switch args[0] {
	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init requires a node directory")
			os.Exit(exitUsage)
		}
		os.Exit(runInit(args[1]))
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run requires a node directory")
			os.Exit(exitUsage)
		}
		os.Exit(runDaemon(args[1]))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		showUsage()
		os.Exit(exitUsage)
	}
}

func showUsage() {
	fmt.Println("rescuenetd - RescueNet emergency mesh node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rescuenetd init <directory>   Create a default rescuenet.json and exit")
	fmt.Println("  rescuenetd run  <directory>   Run the node")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func nodeConfigPath(dir string) string {
	return filepath.Join(dir, "rescuenet.json")
}

func runInit(dirArg string) int {
	dir, err := filepath.Abs(dirArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid directory: %v\n", err)
		return exitUsage
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create directory: %v\n", err)
		return exitIOError
	}
	cfg, created, err := config.Ensure(nodeConfigPath(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ensure config: %v\n", err)
		return exitIOError
	}
	if created {
		fmt.Printf("Created %s\n", nodeConfigPath(dir))
	} else {
		fmt.Printf("Config already exists at %s\n", nodeConfigPath(dir))
	}
	fmt.Printf("Identity key: %s\n", cfg.AbsKeyFile(dir))
	return exitOK
}

func runDaemon(dirArg string) int {
	dir, err := filepath.Abs(dirArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid directory: %v\n", err)
		return exitUsage
	}
	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		fmt.Fprintf(os.Stderr, "node directory does not exist: %s\n", dir)
		return exitUsage
	}

	cfgPath := nodeConfigPath(dir)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitIOError
	}

	printBanner(dir, cfgPath, cfg)

	db, err := store.Open(cfg.AbsDataDir(dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open storage: %v\n", err)
		return exitIOError
	}
	defer db.Close()

	link := meshlink.NewNode(meshlink.Config{
		ListenPort:    cfg.Mesh.ListenPort,
		KeyFile:       cfg.AbsKeyFile(dir),
		MdnsTag:       cfg.Mesh.MdnsTag,
		PresenceTopic: cfg.Mesh.PresenceTopic,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("rescuenetd: shutting down gracefully...")
		cancel()
	}()

	if err := link.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "link layer init: %v\n", err)
		return exitTempFailure
	}

	var cloudSink adapters.CloudSink
	if cfg.Gateway.CloudURL != "" {
		cloudSink = gateway.NewHTTPCloudSink(cfg.Gateway.CloudURL, cfg.GatewayRequestTimeout())
	} else {
		cloudSink = noopCloudSink{}
	}

	eng, err := engine.New(engine.Deps{
		LinkLayer:             link,
		Storage:               store.NewSQLiteStorage(db),
		Clock:                 adapters.NewSystemClock(),
		CloudSink:             cloudSink,
		ConnectivityEndpoints: cfg.Connectivity.Endpoints,
		RelayInterval:         cfg.RelayInterval(),
		MaxSeenEntries:        4096,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		return exitTempFailure
	}
	if err := eng.Initialize(link.SelfID()); err != nil {
		fmt.Fprintf(os.Stderr, "initialize engine: %v\n", err)
		return exitTempFailure
	}

	watcher, err := config.Watch(cfgPath, func(newCfg config.Config) {
		log.Printf("rescuenetd: config changed on disk (relay interval, endpoints take effect on restart)")
		_ = newCfg
	})
	if err != nil {
		log.Printf("rescuenetd: config hot-reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start engine: %v\n", err)
		return exitTempFailure
	}
	defer eng.Stop()

	if cfg.Diag.ListenAddr != "" {
		hub := diagstream.NewHub(cfg.Diag.BufferSize)
		diagSrv := diagstream.NewServer(hub, eng.Diagnostics)
		if err := diagSrv.Start(cfg.Diag.ListenAddr); err != nil {
			log.Printf("rescuenetd: diagnostics server disabled: %v", err)
		} else {
			log.Printf("rescuenetd: diagnostics at http://%s/api/diag", diagSrv.Addr())
			defer diagSrv.Stop()
			go feedDiagStream(ctx, eng, hub)
		}
	}

	go logEventStreams(ctx, eng)

	runStdinCommands(ctx, eng)
	return exitOK
}

// feedDiagStream bridges the engine's activity/diagnostics streams into
// the websocket hub, plus a periodic full snapshot.
func feedDiagStream(ctx context.Context, eng *engine.Engine, hub *diagstream.Hub) {
	activity := eng.RelayActivity()
	diags := eng.RelayDiagnostics()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-activity:
			hub.Publish(diagstream.Event{Kind: "activity", TS: ev.At, Data: ev})
		case ev := <-diags:
			hub.Publish(diagstream.Event{Kind: "diag", TS: ev.At, Data: ev})
		case now := <-ticker.C:
			hub.Publish(diagstream.Event{Kind: "snapshot", TS: now, Data: eng.Diagnostics()})
		}
	}
}

// noopCloudSink is used when no cloud_url is configured; the gateway
// uploader still runs but every post is rejected client-side, matching a
// deployment that only relays locally.
type noopCloudSink struct{}

func (noopCloudSink) Post(ctx context.Context, body []byte) (int, []byte, error) {
	return 0, nil, fmt.Errorf("no cloud_url configured")
}

func logEventStreams(ctx context.Context, eng *engine.Engine) {
	alerts := eng.SosAlerts()
	activity := eng.RelayActivity()
	conn := eng.ConnectivityChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-alerts:
			log.Printf("sos_alert: %s from %s (%s)", ev.Sos.SosID, ev.Sos.SenderName, ev.Sos.EmergencyType)
		case ev := <-activity:
			log.Printf("relay_activity: %s packet=%s target=%s %s", ev.Kind, ev.PacketID, ev.Target, ev.Detail)
		case online := <-conn:
			log.Printf("connectivity: online=%v", online)
		}
	}
}

// runStdinCommands is a minimal line-oriented harness for manual testing:
// typing "sos <lat> <lng> <emergency_type>" originates a test SOS.
func runStdinCommands(ctx context.Context, eng *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "sos":
			handleSosCommand(ctx, eng, fields[1:])
		case "diag":
			b, _ := json.MarshalIndent(eng.Diagnostics(), "", "  ")
			fmt.Println(string(b))
		case "quit", "exit":
			return
		default:
			fmt.Println("commands: sos <lat> <lng> <emergency_type>, diag, quit")
		}
	}
}

func handleSosCommand(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) < 3 {
		fmt.Println("usage: sos <lat> <lng> <emergency_type>")
		return
	}
	var lat, lng float64
	if _, err := fmt.Sscanf(args[0], "%f", &lat); err != nil {
		fmt.Println("invalid latitude")
		return
	}
	if _, err := fmt.Sscanf(args[1], "%f", &lng); err != nil {
		fmt.Println("invalid longitude")
		return
	}
	id, err := eng.SendSOS(ctx, packet.SosPayload{
		SenderName:     "operator",
		Latitude:       lat,
		Longitude:      lng,
		EmergencyType:  packet.EmergencyType(args[2]),
		TriageLevel:    packet.TriageRed,
		NumberOfPeople: 1,
		TimestampMs:    time.Now().UnixMilli(),
	})
	if err != nil {
		fmt.Printf("send_sos failed: %v\n", err)
		return
	}
	fmt.Printf("sos queued: %s\n", id)
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("============================================================")
	fmt.Println("  RescueNet Node")
	fmt.Println("============================================================")
	fmt.Printf("Node directory: %s\n", dir)
	fmt.Printf("Config file:    %s\n", cfgPath)
	fmt.Printf("Display name:   %s\n", cfg.Node.DisplayName)
	if cfg.Gateway.CloudURL != "" {
		fmt.Printf("Cloud gateway:  %s\n", cfg.Gateway.CloudURL)
	} else {
		fmt.Println("Cloud gateway:  (not configured, mesh-only)")
	}
	fmt.Println("Starting... (Ctrl+C to stop)")
	fmt.Println("------------------------------------------------------------")
}
