// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config is the engine's single nested configuration tree, one section
// per subsystem.
type Config struct {
	Identity     Identity     `json:"identity"`
	Node         Node         `json:"node"`
	Mesh         Mesh         `json:"mesh"`
	Relay        Relay        `json:"relay"`
	Connectivity Connectivity `json:"connectivity"`
	Gateway      Gateway      `json:"gateway"`
	Diag         Diag         `json:"diag"`
	Storage      Storage      `json:"storage"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

// Node carries the local display identity advertised to neighbors.
type Node struct {
	DisplayName string `json:"display_name"`
}

// Mesh configures the libp2p-backed link layer.
type Mesh struct {
	ListenPort    int    `json:"listen_port"`
	MdnsTag       string `json:"mdns_tag"`
	PresenceTopic string `json:"presence_topic"`
}

// Relay configures the orchestrator.
type Relay struct {
	IntervalSeconds        int `json:"interval_seconds"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
	MaxRetries             int `json:"max_retries"`
	MaxRetriesSOS          int `json:"max_retries_sos"`
	ConnectTimeoutSeconds  int `json:"connect_timeout_seconds"`
}

// Connectivity configures the probe.
type Connectivity struct {
	Endpoints              []string `json:"endpoints"`
	CacheWindowSeconds     int      `json:"cache_window_seconds"`
	OnlineIntervalSeconds  int      `json:"online_interval_seconds"`
	OfflineIntervalSeconds int      `json:"offline_interval_seconds"`
}

// Gateway configures the cloud uploader.
type Gateway struct {
	CloudURL              string `json:"cloud_url"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	PacingMillis          int    `json:"pacing_millis"`
	RenderMarkdownNotes   bool   `json:"render_markdown_notes"`
}

// Diag configures the optional local websocket fan-out of the
// diagnostics streams; an empty listen_addr disables it.
type Diag struct {
	ListenAddr string `json:"listen_addr"`
	BufferSize int    `json:"buffer_size"`
}

// Storage configures the durable Storage adapter.
type Storage struct {
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{KeyFile: "data/identity.key"},
		Node:     Node{DisplayName: "rescuenet-node"},
		Mesh: Mesh{
			ListenPort:    0,
			MdnsTag:       "rescuenet-mdns",
			PresenceTopic: "rescuenet.presence.v1",
		},
		Relay: Relay{
			IntervalSeconds:        10,
			MaxConsecutiveFailures: 3,
			MaxRetries:             3,
			MaxRetriesSOS:          10,
			ConnectTimeoutSeconds:  10,
		},
		Connectivity: Connectivity{
			Endpoints: []string{
				"https://connectivitycheck.gstatic.com/generate_204",
				"https://clients3.google.com/generate_204",
				"https://cp.cloudflare.com/generate_204",
			},
			CacheWindowSeconds:     10,
			OnlineIntervalSeconds:  30,
			OfflineIntervalSeconds: 10,
		},
		Gateway: Gateway{
			CloudURL:              "",
			RequestTimeoutSeconds: 15,
			PacingMillis:          500,
			RenderMarkdownNotes:   false,
		},
		Diag:    Diag{ListenAddr: "", BufferSize: 500},
		Storage: Storage{DataDir: "data"},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Node.DisplayName) == "" {
		return errors.New("node.display_name is required")
	}

	if c.Mesh.ListenPort < 0 || c.Mesh.ListenPort > 65535 {
		return errors.New("mesh.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Mesh.MdnsTag) == "" {
		return errors.New("mesh.mdns_tag is required")
	}
	if strings.TrimSpace(c.Mesh.PresenceTopic) == "" {
		return errors.New("mesh.presence_topic is required")
	}

	if c.Relay.IntervalSeconds <= 0 {
		return errors.New("relay.interval_seconds must be > 0")
	}
	if c.Relay.MaxConsecutiveFailures <= 0 {
		return errors.New("relay.max_consecutive_failures must be > 0")
	}
	if c.Relay.MaxRetries <= 0 {
		return errors.New("relay.max_retries must be > 0")
	}
	if c.Relay.MaxRetriesSOS <= 0 {
		return errors.New("relay.max_retries_sos must be > 0")
	}
	if c.Relay.ConnectTimeoutSeconds <= 0 {
		return errors.New("relay.connect_timeout_seconds must be > 0")
	}

	if len(c.Connectivity.Endpoints) == 0 {
		return errors.New("connectivity.endpoints must not be empty")
	}
	for _, ep := range c.Connectivity.Endpoints {
		if err := validateHTTPURL(ep); err != nil {
			return fmt.Errorf("connectivity.endpoints: %w", err)
		}
	}
	if c.Connectivity.CacheWindowSeconds <= 0 {
		return errors.New("connectivity.cache_window_seconds must be > 0")
	}
	if c.Connectivity.OnlineIntervalSeconds <= 0 {
		return errors.New("connectivity.online_interval_seconds must be > 0")
	}
	if c.Connectivity.OfflineIntervalSeconds <= 0 {
		return errors.New("connectivity.offline_interval_seconds must be > 0")
	}

	if rw := strings.TrimSpace(c.Gateway.CloudURL); rw != "" {
		if err := validateHTTPURL(rw); err != nil {
			return fmt.Errorf("gateway.cloud_url: %w", err)
		}
	}
	if c.Gateway.RequestTimeoutSeconds <= 0 {
		return errors.New("gateway.request_timeout_seconds must be > 0")
	}
	if c.Gateway.PacingMillis < 0 {
		return errors.New("gateway.pacing_millis must be >= 0")
	}

	if c.Diag.BufferSize < 0 {
		return errors.New("diag.buffer_size must be >= 0")
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", raw)
	}
	return nil
}

// RelayInterval/ConnectTimeout/etc. translate the JSON seconds fields into
// time.Duration for the components that consume them.
func (c Config) RelayInterval() time.Duration {
	return time.Duration(c.Relay.IntervalSeconds) * time.Second
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Relay.ConnectTimeoutSeconds) * time.Second
}

func (c Config) ConnectivityCacheWindow() time.Duration {
	return time.Duration(c.Connectivity.CacheWindowSeconds) * time.Second
}

func (c Config) GatewayRequestTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeoutSeconds) * time.Second
}

func (c Config) GatewayPacing() time.Duration {
	return time.Duration(c.Gateway.PacingMillis) * time.Millisecond
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Save validates cfg and writes it atomically: the JSON is staged in a
// temp file beside path and renamed into place, so a crash mid-write
// never leaves a truncated config for the next startup (or the hot-reload
// watcher) to choke on.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".rescuenet-*.json")
	if err != nil {
		return err
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Ensure loads config if it exists; otherwise creates a default config
// file. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// Watcher hot-reloads config on every write to its file: one
// fsnotify.Watcher on the containing directory, filtered down to the one
// path we care about.
type Watcher struct {
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// Watch starts watching path for writes, invoking onChange with the
// freshly loaded and validated config each time. A reload that fails
// validation is logged and skipped; the previously loaded config keeps
// running rather than crash the node on a typo.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w := &Watcher{watcher: fw, closed: make(chan struct{})}
	abs, _ := filepath.Abs(path)

	go func() {
		for {
			select {
			case <-w.closed:
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if a, _ := filepath.Abs(event.Name); a != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("config: hot reload of %s failed, keeping previous config: %v", path, err)
					continue
				}
				onChange(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()

	return w, nil
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.closed)
	_ = w.watcher.Close()
}

// AbsDataDir resolves Storage.DataDir against baseDir; an absolute
// data_dir stands on its own.
func (c Config) AbsDataDir(baseDir string) string {
	return resolveUnder(baseDir, c.Storage.DataDir)
}

// AbsKeyFile resolves Identity.KeyFile against baseDir.
func (c Config) AbsKeyFile(baseDir string) string {
	return resolveUnder(baseDir, c.Identity.KeyFile)
}

// resolveUnder anchors a relative config path at base; absolute paths
// pass through untouched apart from cleaning.
func resolveUnder(base, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}
