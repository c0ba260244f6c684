package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ntloader/internal/backup"
	"ntloader/internal/domain"
	"ntloader/internal/options"
)

// FileName is the config file at the workspace root.
const FileName = "ntloader.yml"

// Config models ntloader.yml.
type Config struct {
	Project struct {
		ID   int64  `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Remote struct {
		BaseURL        string `yaml:"base_url"`
		TokenEnv       string `yaml:"token_env"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"remote"`
	// Fields lists, per remote entity type, the fields requested on fetch. Empty means all.
	Fields map[string][]string `yaml:"fields"`
	// Options uses the options file format: "#" disables a key, "*" marks the default choice.
	Options     map[string]any      `yaml:"options"`
	OptionsFile string              `yaml:"options_file"`
	Statuses    map[string][]string `yaml:"statuses"`
	Tags        map[string]string   `yaml:"tags"`
	Localize    struct {
		Dir         string `yaml:"dir"`
		MediaFields struct {
			Encoded       string `yaml:"encoded"`
			ImageSequence string `yaml:"image_sequence"`
			Movie         string `yaml:"movie"`
		} `yaml:"media_fields"`
	} `yaml:"localize"`
	Publish struct {
		Concurrency       int    `yaml:"concurrency"`
		NoteSubjectPrefix string `yaml:"note_subject_prefix"`
	} `yaml:"publish"`
	Validity struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"validity"`
	Backup struct {
		Driver string `yaml:"driver"`
		Dir    string `yaml:"dir"`
		S3     struct {
			Bucket    string `yaml:"bucket"`
			Region    string `yaml:"region"`
			Endpoint  string `yaml:"endpoint"`
			Prefix    string `yaml:"prefix"`
			PathStyle bool   `yaml:"path_style"`
		} `yaml:"s3"`
	} `yaml:"backup"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Server struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ntl init --project <id>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID <= 0 {
		return fmt.Errorf("config.project.id must be a positive remote project id")
	}
	if c.Remote.TimeoutSeconds < 0 {
		return fmt.Errorf("config.remote.timeout_seconds must not be negative")
	}
	for typ, fields := range c.Fields {
		if typ == "" {
			return fmt.Errorf("config.fields contains an empty entity type")
		}
		for _, f := range fields {
			if f == "" {
				return fmt.Errorf("config.fields.%s contains an empty field", typ)
			}
		}
	}
	if _, err := c.OptionSet(); err != nil {
		return fmt.Errorf("config.options: %w", err)
	}
	for typ, statuses := range c.Statuses {
		for _, s := range statuses {
			if s == "" || s == domain.StatusPlaceholder {
				return fmt.Errorf("config.statuses.%s contains invalid status %q", typ, s)
			}
		}
	}
	if c.Publish.Concurrency < 0 {
		return fmt.Errorf("config.publish.concurrency must not be negative")
	}
	if c.Validity.IntervalSeconds < 0 {
		return fmt.Errorf("config.validity.interval_seconds must not be negative")
	}
	switch c.Backup.Driver {
	case "", backup.DriverNone, backup.DriverFS:
	case backup.DriverS3:
		if c.Backup.S3.Bucket == "" {
			return fmt.Errorf("config.backup.s3.bucket is required for driver s3")
		}
	default:
		return fmt.Errorf("config.backup.driver must be one of none, fs, s3")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "console", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	return nil
}

// OptionSet parses the inline options section.
func (c *Config) OptionSet() (options.Set, error) {
	if len(c.Options) == 0 {
		return options.Set{Defaults: map[string]string{}, Choices: map[string][]string{}}, nil
	}
	data, err := json.Marshal(c.Options)
	if err != nil {
		return options.Set{}, err
	}
	return options.Parse(data)
}

// ToolStateDefaults builds the ToolState seeded on first access and on reset.
func (c *Config) ToolStateDefaults() domain.ToolState {
	ts := domain.ToolState{
		Options:       map[string]string{},
		ValidStatuses: map[string][]string{},
		Tags:          map[string]string{},
	}
	if set, err := c.OptionSet(); err == nil {
		set.Apply(&ts)
	}
	for typ, s := range c.Statuses {
		ts.ValidStatuses[typ] = append([]string(nil), s...)
	}
	for name, color := range c.Tags {
		ts.Tags[name] = color
	}
	return ts
}

// Timeout returns the remote request timeout.
func (c *Config) Timeout() time.Duration {
	if c.Remote.TimeoutSeconds == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// ValidityInterval returns the background validity check period; zero disables it.
func (c *Config) ValidityInterval() time.Duration {
	return time.Duration(c.Validity.IntervalSeconds) * time.Second
}

// BackupConfig resolves the backup target settings relative to workspace.
func (c *Config) BackupConfig(workspace string) backup.Config {
	dir := c.Backup.Dir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(workspace, dir)
	}
	return backup.Config{
		Driver: c.Backup.Driver,
		Dir:    dir,
		S3: backup.S3Config{
			Bucket:    c.Backup.S3.Bucket,
			Region:    c.Backup.S3.Region,
			Endpoint:  c.Backup.S3.Endpoint,
			Prefix:    c.Backup.S3.Prefix,
			PathStyle: c.Backup.S3.PathStyle,
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID int64) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID int64) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %d

remote:
  base_url: https://your.studio.shotgrid/api/v1
  token_env: NTL_REMOTE_TOKEN
  timeout_seconds: 30

fields:
  Playlist: [id, type, code, versions, playlist_items, notes, open_notes, attachments, updated_at]
  Cut: [id, type, version, cached_display_name, notes, open_notes, sg_status_list, attachments, cut_items, updated_at]
  CutItem: [id, type, version, code, cached_display_name, cut_order, cut_item_in, cut_item_out, edit_in, edit_out, timecode_start_text, updated_at]
  Version: [id, type, code, sg_status_list, updated_at, sg_uploaded_movie, sg_path_to_frames, sg_path_to_movie, notes, open_notes, project]
  Note: [id, type, project, content, replies, created_by, created_at, updated_at, sg_status_list, attachments, addressings_to, subject]
  Reply: [id, type, content, user, created_at, updated_at, sg_status_list]

options:
  Shotgrid View: ["Playlist and Cuts*", "Shot and Sequence"]
  Attached cut file import strategy: ["Used SG Cuts*", "Import EDL and relink", "Import OTIO and relink"]
  Import to loaded sequence: false
  Import SG annotations to timeline: false
  Show only open notes: false
  Show only notes addressed to me: false
  "#Copy/Download threadcount": ["Full*", "Half", "Quarter"]
  Cut lead in frames: ["1000*"]

statuses:
  Version: [wip, rev, apr, na]
  Cut: [wip, apr]

tags:
  wip: "#d4a017"
  rev: "#1e90ff"
  apr: "#2e8b57"

localize:
  dir: media
  media_fields:
    encoded: sg_uploaded_movie
    image_sequence: sg_path_to_frames
    movie: sg_path_to_movie

publish:
  concurrency: 5
  note_subject_prefix: "Review Note - "

validity:
  interval_seconds: 300

backup:
  driver: fs
  dir: .ntloader/backups

logging:
  level: info
  format: text

server:
  addr: 127.0.0.1:8787
  base_path: /v1
  jwt_secret_env: NTL_JWT_SECRET
`
