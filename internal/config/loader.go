// Package config loads synccore's configuration from a filesystem root
// with deterministic layering, adapted from the teacher's pkg/config
// loader. Tiers, in increasing precedence:
//
//	<root>/synccore.yaml|yml|json
//	<root>/env/<env>/synccore.yaml|yml|json
//	<root>/tenants/<tenant>/synccore.yaml|yml|json  (tenancy is vestigial
//	  here — OpenMates chats are not shared — but kept since a future
//	  per-tenant deployment topology may want it; harmless when unused)
//	env-var overrides (SYNCCORE_DB__HOST=... -> {"db":{"host":"..."}})
//
// Unlike the teacher, real YAML (gopkg.in/yaml.v3) is accepted, not only
// the teacher's "JSON-as-YAML" subset — see SPEC_FULL.md §1.3.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRoot    = errors.New("config: invalid root")
	ErrInvalidOptions = errors.New("config: invalid options")
	ErrPathEscape     = errors.New("config: path escapes root")
	ErrNotFound       = errors.New("config: not found")
	ErrTooManyFiles   = errors.New("config: too many files")
	ErrFileTooLarge   = errors.New("config: file too large")
	ErrUnsupportedExt = errors.New("config: unsupported extension")
	ErrDecode         = errors.New("config: decode failed")
)

// Options configures the Loader.
type Options struct {
	Service string // required, e.g. "synccore"
	Env     string // optional, e.g. "local", "dev", "prod"
	Tenant  string // optional

	EnableEnvOverrides bool
	EnvPrefix          string
	PathDelimiter      string

	MaxFiles     int
	MaxFileBytes int64
	MaxDepth     int
}

// Document is one loaded config file.
type Document struct {
	Path     string         `json:"path"`
	Tier     string         `json:"tier"`
	LoadedAt time.Time      `json:"loaded_at"`
	SHA256   string         `json:"sha256"`
	Data     map[string]any `json:"data"`
}

// Bundle is the merged result of loading every tier.
type Bundle struct {
	Service  string         `json:"service"`
	Env      string         `json:"env,omitempty"`
	Tenant   string         `json:"tenant,omitempty"`
	Docs     []Document     `json:"docs"`
	Merged   map[string]any `json:"merged"`
	LoadedAt time.Time      `json:"loaded_at"`
}

type Loader struct {
	rootAbs  string
	opts     Options
	reTenant *regexp.Regexp
}

func NewLoader(root string, opts Options) (*Loader, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidRoot
	}
	opts.Service = strings.TrimSpace(opts.Service)
	if opts.Service == "" {
		return nil, fmt.Errorf("%w: service required", ErrInvalidOptions)
	}
	opts.Env = strings.TrimSpace(opts.Env)
	opts.Tenant = strings.TrimSpace(opts.Tenant)

	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 9
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 2 * 1024 * 1024
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 32
	}
	if opts.PathDelimiter == "" {
		opts.PathDelimiter = "__"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = strings.ToUpper(opts.Service) + "_"
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory", ErrInvalidRoot)
	}

	reTenant := regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	if opts.Tenant != "" && !reTenant.MatchString(opts.Tenant) {
		return nil, fmt.Errorf("%w: invalid tenant %q", ErrInvalidOptions, opts.Tenant)
	}

	return &Loader{rootAbs: abs, opts: opts, reTenant: reTenant}, nil
}

// LoadDotEnv loads a .env file (if present) into the process environment
// before Load runs, so SYNCCORE_* overrides can come from it in local
// dev — the teacher's loader has no notion of .env at all; this is the
// one genuinely missing ambient piece, added from the pack (godotenv).
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

type tierPath struct {
	tier string
	path string
}

func (l *Loader) computeTierPaths() []tierPath {
	cands := []string{l.opts.Service + ".yaml", l.opts.Service + ".yml", l.opts.Service + ".json"}
	var out []tierPath
	for _, c := range cands {
		out = append(out, tierPath{tier: "base", path: c})
	}
	if l.opts.Env != "" {
		for _, c := range cands {
			out = append(out, tierPath{tier: "env", path: filepath.Join("env", l.opts.Env, c)})
		}
	}
	if l.opts.Tenant != "" {
		for _, c := range cands {
			out = append(out, tierPath{tier: "tenant", path: filepath.Join("tenants", l.opts.Tenant, c)})
		}
	}
	return out
}

func tierRank(tier string) int {
	switch tier {
	case "base":
		return 1
	case "env":
		return 2
	case "tenant":
		return 3
	default:
		return 9
	}
}

// Load loads every tier present on disk, merges them deterministically
// (later tiers win), then applies env-var overrides.
func (l *Loader) Load() (*Bundle, error) {
	tiers := l.computeTierPaths()
	if len(tiers) > l.opts.MaxFiles {
		return nil, ErrTooManyFiles
	}

	var docs []Document
	merged := map[string]any{}
	for _, tp := range tiers {
		doc, err := l.readRel(tp.path, tp.tier)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		docs = append(docs, *doc)
		merged = deepMerge(merged, doc.Data, l.opts.MaxDepth)
	}

	if l.opts.EnableEnvOverrides {
		envMap := l.envOverrides()
		if len(envMap) > 0 {
			merged = deepMerge(merged, envMap, l.opts.MaxDepth)
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Tier != docs[j].Tier {
			return tierRank(docs[i].Tier) < tierRank(docs[j].Tier)
		}
		return docs[i].Path < docs[j].Path
	})

	return &Bundle{
		Service:  l.opts.Service,
		Env:      l.opts.Env,
		Tenant:   l.opts.Tenant,
		Docs:     docs,
		Merged:   merged,
		LoadedAt: time.Now().UTC(),
	}, nil
}

func (l *Loader) readRel(relPath, tier string) (*Document, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return nil, ErrPathEscape
	}
	abs := filepath.Join(l.rootAbs, clean)

	fi, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if fi.Size() > l.opts.MaxFileBytes {
		return nil, ErrFileTooLarge
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(abs))
	var obj map[string]any
	switch ext {
	case ".json":
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	default:
		return nil, ErrUnsupportedExt
	}

	sum := sha256.Sum256(raw)
	return &Document{
		Path:     filepath.ToSlash(clean),
		Tier:     tier,
		LoadedAt: time.Now().UTC(),
		SHA256:   hex.EncodeToString(sum[:]),
		Data:     obj,
	}, nil
}

// envOverrides builds a nested map from SYNCCORE_<PATH>__<SEGMENTS> env
// vars, e.g. SYNCCORE_HOTCACHE__SPILL_DIR=/data -> {"hotcache":{"spill_dir":"/data"}}.
func (l *Loader) envOverrides() map[string]any {
	out := map[string]any{}
	prefix := l.opts.EnvPrefix
	delim := l.opts.PathDelimiter
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		path := strings.ToLower(strings.TrimPrefix(key, prefix))
		segs := strings.Split(path, strings.ToLower(delim))
		if len(segs) == 0 || segs[0] == "" {
			continue
		}
		setNested(out, segs, parseEnvValue(val))
	}
	return out
}

func setNested(m map[string]any, segs []string, val any) {
	cur := m
	for i, s := range segs {
		if i == len(segs)-1 {
			cur[s] = val
			return
		}
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[s] = next
		}
		cur = next
	}
}

func parseEnvValue(v string) any {
	if v == "true" || v == "false" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	var asJSON any
	if json.Valid([]byte(v)) {
		if err := json.Unmarshal([]byte(v), &asJSON); err == nil {
			return asJSON
		}
	}
	return v
}
