package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a request carries no fingerprint material at all.
const (
	DefaultJA3       = "771,4865-4867-4866-49195-49199-52393-52392-49196-49200-49162-49161-49171-49172-51-57-47-53-10,0-23-65281-10-11-35-16-5-51-43-13-45-28-21,29-23-24-25-256-257,0"
	DefaultUserAgent = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:87.0) Gecko/20100101 Firefox/87.0"
)

// EnvProfileDir names the environment variable that, when set, points at a
// directory of profile files loaded into the default registry on first use.
const EnvProfileDir = "MIMIC_PROFILE_DIR"

// Profile is a named fingerprint bundle. The same shape is used for the
// built-in browser constants and for JSON/YAML profile files.
type Profile struct {
	Name             string   `json:"name" yaml:"name"`
	JA3              string   `json:"ja3" yaml:"ja3"`
	JA4R             string   `json:"ja4r,omitempty" yaml:"ja4r,omitempty"`
	HTTP2Fingerprint string   `json:"http2_fingerprint,omitempty" yaml:"http2_fingerprint,omitempty"`
	QUICFingerprint  string   `json:"quic_fingerprint,omitempty" yaml:"quic_fingerprint,omitempty"`
	UserAgent        string   `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	HeaderOrder      []string `json:"header_order,omitempty" yaml:"header_order,omitempty"`
	DisableGREASE    bool     `json:"disable_grease,omitempty" yaml:"disable_grease,omitempty"`
	ForceHTTP1       bool     `json:"force_http1,omitempty" yaml:"force_http1,omitempty"`
	ForceHTTP3       bool     `json:"force_http3,omitempty" yaml:"force_http3,omitempty"`
}

// Validate checks the fields a profile must carry before registration.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return parseErrorf("profile", -1, "missing name")
	}
	if p.JA3 == "" && p.JA4R == "" {
		return parseErrorf("profile", -1, "profile %q has neither ja3 nor ja4r", p.Name)
	}
	return nil
}

// Spec resolves the profile's fingerprint strings into a TransportSpec.
// JA4R, when present, wins cipher/extension/signature-algorithm ordering;
// JA3 fills in what JA4R does not carry.
func (p *Profile) Spec() (*TransportSpec, error) {
	var spec *TransportSpec
	switch {
	case p.JA3 != "" && p.JA4R != "":
		ja3Spec, err := ParseJA3(p.JA3)
		if err != nil {
			return nil, err
		}
		ja4Spec, err := ParseJA4R(p.JA4R)
		if err != nil {
			return nil, err
		}
		spec = MergeJA4R(ja4Spec, ja3Spec)
	case p.JA4R != "":
		parsed, err := ParseJA4R(p.JA4R)
		if err != nil {
			return nil, err
		}
		spec = parsed
	case p.JA3 != "":
		parsed, err := ParseJA3(p.JA3)
		if err != nil {
			return nil, err
		}
		spec = parsed
	default:
		return nil, parseErrorf("profile", -1, "profile %q has neither ja3 nor ja4r", p.Name)
	}

	if p.HTTP2Fingerprint != "" {
		shape, err := ParseHTTP2(p.HTTP2Fingerprint)
		if err != nil {
			return nil, err
		}
		spec.HTTP2 = shape
	}
	if p.QUICFingerprint != "" {
		shape, err := ParseQUIC(p.QUICFingerprint)
		if err != nil {
			return nil, err
		}
		spec.QUIC = shape
	}
	spec.DisableGREASE = p.DisableGREASE
	return spec, nil
}

// Registry holds named profiles. Reads are lock-free after the lazy first
// load; writers serialize on a mutex and swap in a fresh map.
type Registry struct {
	initOnce sync.Once
	mu       sync.Mutex
	profiles atomic.Pointer[map[string]*Profile]
}

// NewRegistry returns an empty registry that loads the built-in profiles,
// plus any directory named by MIMIC_PROFILE_DIR, on first use.
func NewRegistry() *Registry {
	return &Registry{}
}

// defaultRegistry backs the package-level lookups.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

func (r *Registry) init() {
	r.initOnce.Do(func() {
		m := make(map[string]*Profile, len(builtinProfiles))
		for _, build := range builtinProfiles {
			p := build()
			m[p.Name] = p
		}
		if dir := os.Getenv(EnvProfileDir); dir != "" {
			loadProfileDir(dir, m)
		}
		r.profiles.Store(&m)
	})
}

func (r *Registry) snapshot() map[string]*Profile {
	r.init()
	return *r.profiles.Load()
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()
	next := cloneProfileMap(*r.profiles.Load())
	next[p.Name] = p
	r.profiles.Store(&next)
	return nil
}

// Unregister removes a profile by name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.profiles.Load()
	if _, ok := cur[name]; !ok {
		return false
	}
	next := cloneProfileMap(cur)
	delete(next, name)
	r.profiles.Store(&next)
	return true
}

// Get returns the named profile.
func (r *Registry) Get(name string) (*Profile, bool) {
	p, ok := r.snapshot()[name]
	return p, ok
}

// Names returns the registered profile names, sorted.
func (r *Registry) Names() []string {
	m := r.snapshot()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear empties the registry, built-ins included. Used on engine shutdown;
// the built-ins do not reload afterwards.
func (r *Registry) Clear() {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()
	empty := make(map[string]*Profile)
	r.profiles.Store(&empty)
}

// LoadDir loads every .json/.yaml/.yml file in dir. Files load in
// lexicographic name order and later files replace earlier entries with the
// same profile name. It returns how many profiles were loaded.
func (r *Registry) LoadDir(dir string) (int, error) {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()
	next := cloneProfileMap(*r.profiles.Load())
	n, err := loadProfileDir(dir, next)
	if err != nil {
		return 0, err
	}
	r.profiles.Store(&next)
	return n, nil
}

func cloneProfileMap(m map[string]*Profile) map[string]*Profile {
	next := make(map[string]*Profile, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	return next
}

// loadProfileDir reads profile files into m. os.ReadDir returns entries
// sorted by filename, which gives the lexicographic supersede order.
func loadProfileDir(dir string, m map[string]*Profile) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("profile dir %s: %w", dir, err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("profile file %s: %w", path, err)
		}
		var p Profile
		if ext == ".json" {
			err = json.Unmarshal(data, &p)
		} else {
			err = yaml.Unmarshal(data, &p)
		}
		if err != nil {
			return loaded, fmt.Errorf("profile file %s: %w", path, err)
		}
		if err := p.Validate(); err != nil {
			return loaded, fmt.Errorf("profile file %s: %w", path, err)
		}
		m[p.Name] = &p
		loaded++
	}
	return loaded, nil
}

// GetProfile looks a profile up in the default registry.
func GetProfile(name string) (*Profile, bool) { return defaultRegistry.Get(name) }

// Default returns the profile used when a request names no fingerprint.
func Default() *Profile {
	return &Profile{
		Name:      "default",
		JA3:       DefaultJA3,
		UserAgent: DefaultUserAgent,
	}
}

var chromeHeaderOrder = []string{
	"host",
	"connection",
	"content-length",
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"upgrade-insecure-requests",
	"user-agent",
	"accept",
	"sec-fetch-site",
	"sec-fetch-mode",
	"sec-fetch-user",
	"sec-fetch-dest",
	"accept-encoding",
	"accept-language",
	"cookie",
}

var safariHeaderOrder = []string{
	"host",
	"accept",
	"sec-fetch-site",
	"cookie",
	"sec-fetch-dest",
	"sec-fetch-mode",
	"user-agent",
	"accept-language",
	"accept-encoding",
	"connection",
}

// Chrome120 returns the Chrome 120 desktop profile.
func Chrome120() *Profile {
	return &Profile{
		Name:             "chrome_120",
		JA3:              "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513,29-23-24,0",
		HTTP2Fingerprint: "1:65536,2:0,3:1000,4:6291456,6:262144|15663105|0|m,a,s,p",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		HeaderOrder:      chromeHeaderOrder,
	}
}

// Chrome121 returns the Chrome 121 desktop profile.
func Chrome121() *Profile {
	return &Profile{
		Name:             "chrome_121",
		JA3:              "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513-21,29-23-24,0",
		HTTP2Fingerprint: "1:65536,2:0,3:1000,4:6291456,6:262144|15663105|0|m,a,s,p",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		HeaderOrder:      chromeHeaderOrder,
	}
}

// Firefox121 returns the Firefox 121 desktop profile.
func Firefox121() *Profile {
	return &Profile{
		Name:             "firefox_121",
		JA3:              "771,4865-4867-4866-49195-49199-52393-52392-49196-49200-49162-49161-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-34-51-43-13-45-28-21,29-23-24-25-256-257,0",
		HTTP2Fingerprint: "1:65536,4:131072,5:16384|12517377|3:0:0:201,5:0:0:1,7:0:0:1,9:0:7:1,11:0:3:1,13:0:0:241|m,p,a,s",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
		HeaderOrder: []string{
			"host",
			"user-agent",
			"accept",
			"accept-language",
			"accept-encoding",
			"connection",
			"cookie",
			"upgrade-insecure-requests",
			"sec-fetch-dest",
			"sec-fetch-mode",
			"sec-fetch-site",
			"sec-fetch-user",
		},
	}
}

// Safari17 returns the Safari 17 macOS profile.
func Safari17() *Profile {
	return &Profile{
		Name:             "safari_17",
		JA3:              "771,4865-4866-4867-49196-49195-52393-49200-49199-52392-49162-49161-49172-49171-157-156-53-47-49160-49170-10,0-23-65281-10-11-16-5-13-18-51-45-43-27,29-23-24-25,0",
		HTTP2Fingerprint: "4:4194304,3:100|10485760|0|m,s,p,a",
		UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
		HeaderOrder:      safariHeaderOrder,
	}
}

// Edge120 returns the Edge 120 desktop profile.
func Edge120() *Profile {
	return &Profile{
		Name:             "edge_120",
		JA3:              "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513,29-23-24,0",
		HTTP2Fingerprint: "1:65536,2:0,3:1000,4:6291456,6:262144|15663105|0|m,a,s,p",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
		HeaderOrder:      chromeHeaderOrder,
	}
}

// ChromeAndroid returns the mobile Chrome profile.
func ChromeAndroid() *Profile {
	return &Profile{
		Name:             "chrome_android",
		JA3:              "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513,29-23-24,0",
		HTTP2Fingerprint: "1:65536,2:0,3:1000,4:6291456,6:262144|15663105|0|m,a,s,p",
		UserAgent:        "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.43 Mobile Safari/537.36",
		HeaderOrder: []string{
			"host",
			"connection",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
			"upgrade-insecure-requests",
			"user-agent",
			"accept",
			"sec-fetch-site",
			"sec-fetch-mode",
			"sec-fetch-user",
			"sec-fetch-dest",
			"accept-encoding",
			"accept-language",
			"cookie",
		},
	}
}

// SafariIOS returns the mobile Safari profile.
func SafariIOS() *Profile {
	return &Profile{
		Name:             "safari_ios",
		JA3:              "771,4865-4866-4867-49196-49195-52393-49200-49199-52392-49162-49161-49172-49171-157-156-53-47-49160-49170-10,0-23-65281-10-11-16-5-13-18-51-45-43-27,29-23-24-25,0",
		HTTP2Fingerprint: "4:4194304,3:100|10485760|0|m,s,p,a",
		UserAgent:        "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
		HeaderOrder:      safariHeaderOrder,
	}
}

var builtinProfiles = []func() *Profile{
	Chrome120,
	Chrome121,
	Firefox121,
	Safari17,
	Edge120,
	ChromeAndroid,
	SafariIOS,
}
