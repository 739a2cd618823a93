// Package config loads relay settings from an optional .env file, an optional
// YAML file, and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings such as "1s".
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or an integer number of
// seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Transcode holds the transcoder invocation settings.
type Transcode struct {
	FFmpegPath      string   `yaml:"ffmpeg_path"`
	VideoCodec      string   `yaml:"video_codec"`
	AudioCodec      string   `yaml:"audio_codec"`
	AudioBitrate    string   `yaml:"audio_bitrate"`
	VideoBitrate    string   `yaml:"video_bitrate"`
	VideoCRF        string   `yaml:"video_crf"`
	X264Preset      string   `yaml:"x264_preset"`
	X264Tune        string   `yaml:"x264_tune"`
	ForceKeyframes  bool     `yaml:"force_keyframes"`
	InputFormat     string   `yaml:"input_format"`
	ProbeSize       string   `yaml:"probe_size"`
	AnalyzeDuration string   `yaml:"analyze_duration"`
	InputArgs       []string `yaml:"input_args"`
}

// Config is the complete relay configuration.
type Config struct {
	BindHost   string `yaml:"bind_host"`
	IngestPort int    `yaml:"ingest_port"`
	ViewerPort int    `yaml:"viewer_port"`
	HTTPPort   int    `yaml:"http_port"`
	PublicHost string `yaml:"public_host"`

	HLSDir          string `yaml:"hls_dir"`
	PlaylistName    string `yaml:"playlist_name"`
	SegmentDuration int    `yaml:"segment_duration_sec"`
	RetentionCount  int    `yaml:"retention_count"`
	CleanupOnStart  bool   `yaml:"cleanup_on_start"`

	MaxTranscoderRestarts int      `yaml:"max_transcoder_restarts"`
	RestartBackoffBase    Duration `yaml:"restart_backoff_base"`
	RestartBackoffMax     Duration `yaml:"restart_backoff_max"`
	StopGrace             Duration `yaml:"stop_grace"`
	FeedBufferChunks      int      `yaml:"feed_buffer_chunks"`
	ViewerQueueChunks     int      `yaml:"viewer_queue_chunks"`

	HealthAddr         string `yaml:"health_addr"`
	HealthMaxStaleness int    `yaml:"health_max_staleness_sec"`

	PullAddr     string `yaml:"srt_pull_addr"`
	PullStreamID string `yaml:"srt_pull_stream_id"`

	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Transcode Transcode `yaml:"transcode"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		BindHost:              "0.0.0.0",
		IngestPort:            9000,
		ViewerPort:            9001,
		HTTPPort:              80,
		PublicHost:            "<host>",
		HLSDir:                "/var/www/html/hls",
		PlaylistName:          "stream.m3u8",
		SegmentDuration:       2,
		RetentionCount:        6,
		CleanupOnStart:        true,
		MaxTranscoderRestarts: 5,
		RestartBackoffBase:    Duration(time.Second),
		RestartBackoffMax:     Duration(30 * time.Second),
		StopGrace:             Duration(3 * time.Second),
		FeedBufferChunks:      256,
		ViewerQueueChunks:     512,
		HealthAddr:            ":8088",
		HealthMaxStaleness:    10,
		RedisKey:              "srtrelay:status",
		LogLevel:              "info",
		LogFormat:             "console",
		Transcode: Transcode{
			FFmpegPath:      "ffmpeg",
			VideoCodec:      "copy",
			AudioCodec:      "aac",
			AudioBitrate:    "128k",
			X264Preset:      "veryfast",
			X264Tune:        "zerolatency",
			InputFormat:     "mpegts",
			ProbeSize:       "5M",
			AnalyzeDuration: "5M",
		},
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads .env from the working directory when present, then builds the
// configuration from the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(os.LookupEnv)
}

// LoadFrom builds the configuration from defaults, the YAML file named by
// RELAY_CONFIG (if any), and then the variables visible through lookup.
func LoadFrom(lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path, ok := lookup("RELAY_CONFIG"); ok && path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.setString("BIND_HOST", &c.BindHost)
	e.setInt("INPUT_PORT", &c.IngestPort)
	e.setInt("VIEWER_PORT", &c.ViewerPort)
	e.setInt("HTTP_PORT", &c.HTTPPort)
	e.setString("PUBLIC_IP", &c.PublicHost)
	e.setString("PUBLIC_HOST", &c.PublicHost)

	e.setString("HLS_DIR", &c.HLSDir)
	e.setString("PLAYLIST_NAME", &c.PlaylistName)
	e.setInt("HLS_TIME_SEC", &c.SegmentDuration)
	e.setInt("HLS_LIST_SIZE", &c.RetentionCount)
	e.setBool("CLEANUP_ON_START", &c.CleanupOnStart)

	e.setInt("MAX_TRANSCODER_RESTARTS", &c.MaxTranscoderRestarts)
	e.setDuration("RESTART_SLEEP_SEC", &c.RestartBackoffBase)
	e.setDuration("RESTART_BACKOFF_BASE", &c.RestartBackoffBase)
	e.setDuration("RESTART_BACKOFF_MAX", &c.RestartBackoffMax)
	e.setDuration("STOP_GRACE", &c.StopGrace)
	e.setInt("FEED_BUFFER_CHUNKS", &c.FeedBufferChunks)
	e.setInt("VIEWER_QUEUE_CHUNKS", &c.ViewerQueueChunks)

	if port, ok := lookup("HEALTH_PORT"); ok && port != "" {
		c.HealthAddr = ":" + port
	}
	// An explicitly empty HEALTH_ADDR disables the status server.
	if addr, ok := lookup("HEALTH_ADDR"); ok {
		c.HealthAddr = addr
	}
	e.setInt("HEALTH_MAX_STALENESS_SEC", &c.HealthMaxStaleness)

	e.setString("SRT_PULL_ADDR", &c.PullAddr)
	e.setString("SRT_PULL_STREAM_ID", &c.PullStreamID)

	e.setString("REDIS_ADDR", &c.RedisAddr)
	e.setString("REDIS_KEY", &c.RedisKey)

	e.setString("LOG_LEVEL", &c.LogLevel)
	e.setString("LOG_FORMAT", &c.LogFormat)
	if v, ok := lookup("DEBUG"); ok && v != "" {
		c.LogLevel = "debug"
	}

	t := &c.Transcode
	e.setString("FFMPEG_PATH", &t.FFmpegPath)
	e.setString("VIDEO_CODEC", &t.VideoCodec)
	e.setString("AUDIO_CODEC", &t.AudioCodec)
	e.setString("AUDIO_BITRATE", &t.AudioBitrate)
	e.setString("VIDEO_BITRATE", &t.VideoBitrate)
	e.setString("VIDEO_CRF", &t.VideoCRF)
	e.setString("X264_PRESET", &t.X264Preset)
	e.setString("X264_TUNE", &t.X264Tune)
	e.setBool("FORCE_KEYFRAMES", &t.ForceKeyframes)
	e.setString("INPUT_FORMAT", &t.InputFormat)
	e.setString("PROBE_SIZE", &t.ProbeSize)
	e.setString("ANALYZE_DURATION", &t.AnalyzeDuration)
	if v, ok := lookup("FFMPEG_INPUT_ARGS"); ok && v != "" {
		args, err := shlex.Split(v)
		if err != nil {
			e.fail("FFMPEG_INPUT_ARGS", err)
		} else {
			t.InputArgs = args
		}
	}

	return e.err
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	checkPort := func(name string, p int) {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
		}
	}
	checkPort("ingest port", c.IngestPort)
	checkPort("viewer port", c.ViewerPort)
	checkPort("http port", c.HTTPPort)
	if c.IngestPort == c.ViewerPort {
		errs = append(errs, fmt.Errorf("ingest and viewer ports must differ (both %d)", c.IngestPort))
	}
	if c.HLSDir == "" {
		errs = append(errs, errors.New("hls dir is required"))
	}
	if c.PlaylistName == "" || strings.ContainsRune(c.PlaylistName, os.PathSeparator) {
		errs = append(errs, fmt.Errorf("invalid playlist name %q", c.PlaylistName))
	}
	if c.SegmentDuration < 1 {
		errs = append(errs, fmt.Errorf("segment duration must be >= 1s, got %d", c.SegmentDuration))
	}
	if c.RetentionCount < 1 {
		errs = append(errs, fmt.Errorf("retention count must be >= 1, got %d", c.RetentionCount))
	}
	if c.MaxTranscoderRestarts < 0 {
		errs = append(errs, fmt.Errorf("max transcoder restarts must be >= 0, got %d", c.MaxTranscoderRestarts))
	}
	if c.RestartBackoffBase <= 0 || c.RestartBackoffBase > c.RestartBackoffMax {
		errs = append(errs, fmt.Errorf("restart backoff base %s must be > 0 and <= max %s",
			c.RestartBackoffBase.Std(), c.RestartBackoffMax.Std()))
	}
	if c.StopGrace <= 0 {
		errs = append(errs, errors.New("stop grace must be > 0"))
	}
	if c.FeedBufferChunks < 1 || c.ViewerQueueChunks < 1 {
		errs = append(errs, errors.New("queue sizes must be >= 1"))
	}
	if c.HealthMaxStaleness < 1 {
		errs = append(errs, fmt.Errorf("health max staleness must be >= 1s, got %d", c.HealthMaxStaleness))
	}
	return errors.Join(errs...)
}

// IngestAddr is the publisher listen address.
func (c *Config) IngestAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.IngestPort))
}

// ViewerAddr is the viewer listen address.
func (c *Config) ViewerAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.ViewerPort))
}

// PublishURL is the SRT URL a publisher pushes to.
func (c *Config) PublishURL() string {
	return fmt.Sprintf("srt://%s:%d?mode=caller", c.PublicHost, c.IngestPort)
}

// ViewURL is the SRT URL a viewer connects to.
func (c *Config) ViewURL() string {
	return fmt.Sprintf("srt://%s:%d?mode=caller", c.PublicHost, c.ViewerPort)
}

// PlaylistURL is the HLS URL served by the external HTTP server.
func (c *Config) PlaylistURL() string {
	host := c.PublicHost
	if c.HTTPPort != 80 {
		host = net.JoinHostPort(host, strconv.Itoa(c.HTTPPort))
	}
	return fmt.Sprintf("http://%s/hls/%s", host, c.PlaylistName)
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) fail(key string, err error) {
	e.err = errors.Join(e.err, fmt.Errorf("env %s: %w", key, err))
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) setBool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.fail(key, fmt.Errorf("invalid boolean %q", v))
	}
}

func (e *envReader) setDuration(key string, dst *Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	d, err := parseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = Duration(d)
}

// parseDuration accepts "1500ms", "2s" or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
