// Package config loads a flake's YAML configuration, merging the base
// file with every drop-in found in its ".d" directory before handing
// back a fully resolved, engine-specific configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Elektrobit/flake-pilot-sub000/internal/apperr"
	"gopkg.in/yaml.v3"
)

// EngineType names which section of a flake document a pilot expects
// to find populated.
type EngineType string

const (
	// Container is the engine type used by flake-pilot-podman.
	Container EngineType = "container"
	// VM is the engine type used by flake-pilot-firecracker.
	VM EngineType = "vm"
)

// IncludeSection lists additional data to materialize into the
// instance at creation time.
type IncludeSection struct {
	Tar []string `yaml:"tar,omitempty"`
}

// FirecrackerSection configures the firecracker-specific runtime
// knobs. Pointer fields distinguish "unset" from the zero value so a
// drop-in that omits a field never clobbers a value set by the base
// file or an earlier drop-in.
type FirecrackerSection struct {
	BootArgs        []string `yaml:"boot_args,omitempty"`
	MemSizeMib      *int64   `yaml:"mem_size_mib,omitempty"`
	VCPUCount       *int64   `yaml:"vcpu_count,omitempty"`
	CacheType       string   `yaml:"cache_type,omitempty"`
	OverlaySize     string   `yaml:"overlay_size,omitempty"`
	RootfsImagePath string   `yaml:"rootfs_image_path"`
	KernelImagePath string   `yaml:"kernel_image_path"`
	InitrdPath      string   `yaml:"initrd_path,omitempty"`
}

// RuntimeSection is the "runtime:" block common to both engine
// sections: who runs the engine binary, whether the instance resumes
// or re-executes, and engine-specific extras.
type RuntimeSection struct {
	Runas       string              `yaml:"runas,omitempty"`
	Resume      bool                `yaml:"resume,omitempty"`
	Attach      bool                `yaml:"attach,omitempty"`
	Podman      []string            `yaml:"podman,omitempty"`
	Firecracker *FirecrackerSection `yaml:"firecracker,omitempty"`
}

// EngineSection is the per-engine payload nested under "container:" or
// "vm:" at the top of a flake document.
type EngineSection struct {
	Name          string         `yaml:"name"`
	TargetAppPath string         `yaml:"target_app_path,omitempty"`
	HostAppPath   string         `yaml:"host_app_path,omitempty"`
	BaseContainer string         `yaml:"base_container,omitempty"`
	Layers        []string       `yaml:"layers,omitempty"`
	Runtime       RuntimeSection `yaml:"runtime,omitempty"`
}

// FlakeConfig is the fully merged, typed view of a flake's
// configuration, regardless of which engine it targets or which
// on-disk layout (v1 or v2) produced it. v2 is decoded separately into
// raw, since its shape — a path_map keyed by target path, an
// engine.pilot name instead of a fixed container:/vm: section — can't
// be unmarshaled directly into the v1 fields above; Engine normalizes
// whichever one is present into the same EngineSection.
type FlakeConfig struct {
	Container *EngineSection  `yaml:"container,omitempty"`
	VM        *EngineSection  `yaml:"vm,omitempty"`
	Include   *IncludeSection `yaml:"include,omitempty"`

	v2 *v2Document
}

// Tars returns the configured tar includes, or nil if none are set.
func (c *FlakeConfig) Tars() []string {
	if c.v2 != nil {
		return c.v2.Static
	}
	if c.Include == nil {
		return nil
	}
	return c.Include.Tar
}

// Engine returns the populated engine section matching want, or a
// ConversionMismatch error if the merged document doesn't carry one
// (e.g. a firecracker pilot was pointed at a podman-only flake), or a
// MissingEngineType error if it carries no engine section at all.
// programName picks out which v2 path_map entry applies; v1 documents
// ignore it, since they name at most one engine section per file.
func (c *FlakeConfig) Engine(want EngineType, programName string, sources []string) (*EngineSection, error) {
	if c.v2 != nil {
		return c.v2.engineSection(want, programName, sources)
	}

	if c.Container == nil && c.VM == nil {
		return nil, &apperr.ConfigMergeError{Kind: apperr.MissingEngineType, Configs: sources}
	}

	var section *EngineSection
	switch want {
	case Container:
		section = c.Container
	case VM:
		section = c.VM
	}
	if section == nil {
		return nil, &apperr.ConfigMergeError{Kind: apperr.ConversionMismatch, Configs: sources}
	}
	if section.Name == "" {
		return nil, &apperr.ConfigMergeError{Kind: apperr.MissingName, Configs: sources}
	}
	if section.HostAppPath == "" {
		return nil, &apperr.ConfigMergeError{Kind: apperr.MissingHostPath, Configs: sources}
	}
	if want == VM {
		fc := section.Runtime.Firecracker
		if fc == nil || fc.RootfsImagePath == "" || fc.KernelImagePath == "" {
			return nil, &apperr.ConfigMergeError{Kind: apperr.MissingFirecrackerParams, Configs: sources}
		}
	}
	return section, nil
}

// v2Document is the root of a flake document whose top-level "version"
// key is 2: a single runtime shared by every exported path, an engine
// naming which pilot owns it, and an ordered static-include list
// playing the role of v1's include.tar.
type v2Document struct {
	Version int       `yaml:"version"`
	Runtime v2Runtime `yaml:"runtime"`
	Engine  v2Engine  `yaml:"engine"`
	Static  []string  `yaml:"static,omitempty"`
}

// v2Runtime is the "runtime:" block of a v2 document: the shared
// engine identity (name, base_layer, layers) plus the path_map that
// fans a single runtime out into one or more exported commands.
type v2Runtime struct {
	Name      string                 `yaml:"name"`
	PathMap   map[string]v2PathProps `yaml:"path_map"`
	BaseLayer string                 `yaml:"base_layer,omitempty"`
	Layers    []string               `yaml:"layers,omitempty"`
	User      string                 `yaml:"user,omitempty"`
	Instance  string                 `yaml:"instance,omitempty"`
}

// v2PathProps is one path_map entry: exports defaults to the
// target-path key itself when unset, and user/instance each default to
// the runtime-level setting when left blank.
type v2PathProps struct {
	Exports  string `yaml:"exports,omitempty"`
	User     string `yaml:"user,omitempty"`
	Instance string `yaml:"instance,omitempty"`
}

func (p v2PathProps) exportsOrDefault(targetPath string) string {
	if p.Exports != "" {
		return p.Exports
	}
	return targetPath
}

// v2Engine names the pilot a v2 document targets and the values it
// configures it with. The naming convention is "<name>-pilot" or the
// bare name ("podman", "firecracker"); both are accepted.
type v2Engine struct {
	Pilot  string   `yaml:"pilot"`
	Args   []string `yaml:"args,omitempty"`
	Params v2Params `yaml:"params,omitempty"`
}

func (e v2Engine) engineType() (EngineType, error) {
	switch strings.TrimSuffix(e.Pilot, "-pilot") {
	case "podman":
		return Container, nil
	case "firecracker":
		return VM, nil
	default:
		return "", fmt.Errorf("unknown engine pilot %q", e.Pilot)
	}
}

// v2Params carries every engine-specific knob a v2 document can set,
// covering both pilots: podman's passthrough flags and firecracker's
// machine sizing, matching the field set v1's runtime.podman and
// runtime.firecracker sections already expose.
type v2Params struct {
	Podman          []string `yaml:"podman,omitempty"`
	BootArgs        []string `yaml:"boot_args,omitempty"`
	MemSizeMib      *int64   `yaml:"mem_size_mib,omitempty"`
	VCPUCount       *int64   `yaml:"vcpu_count,omitempty"`
	CacheType       string   `yaml:"cache_type,omitempty"`
	OverlaySize     string   `yaml:"overlay_size,omitempty"`
	RootfsImagePath string   `yaml:"rootfs_image_path,omitempty"`
	KernelImagePath string   `yaml:"kernel_image_path,omitempty"`
	InitrdPath      string   `yaml:"initrd_path,omitempty"`
}

func (p v2Params) firecrackerSection() *FirecrackerSection {
	return &FirecrackerSection{
		BootArgs:        p.BootArgs,
		MemSizeMib:      p.MemSizeMib,
		VCPUCount:       p.VCPUCount,
		CacheType:       p.CacheType,
		OverlaySize:     p.OverlaySize,
		RootfsImagePath: p.RootfsImagePath,
		KernelImagePath: p.KernelImagePath,
		InitrdPath:      p.InitrdPath,
	}
}

// parseInstanceMode splits a v2 "instance" string into the same
// resume/attach booleans v1 spells as separate fields: a
// whitespace-separated set drawn from {resume, attach}, with any other
// token (including an empty string) meaning volatile.
func parseInstanceMode(s string) (resume, attach bool) {
	for _, tok := range strings.Fields(s) {
		switch tok {
		case "resume":
			resume = true
		case "attach":
			attach = true
		}
	}
	return resume, attach
}

// errNoPathMapEntries lets engineSection tell an empty path_map apart
// from one that simply doesn't cover the invoked program, so the
// ConfigMergeError it raises names the right cause.
var errNoPathMapEntries = fmt.Errorf("path_map has no entries")

// selectPath resolves which path_map entry an invocation belongs to.
// A single-entry map applies unconditionally; a multi-entry map is
// disambiguated by matching programName against each entry's exported
// basename, mirroring how a v1 flake's host_app_path ties one config
// file to one installed symlink.
func (rt v2Runtime) selectPath(programName string) (target string, props v2PathProps, err error) {
	if len(rt.PathMap) == 0 {
		return "", v2PathProps{}, errNoPathMapEntries
	}
	if len(rt.PathMap) == 1 {
		for t, p := range rt.PathMap {
			return t, p, nil
		}
	}
	for t, p := range rt.PathMap {
		if filepath.Base(p.exportsOrDefault(t)) == programName {
			return t, p, nil
		}
	}
	return "", v2PathProps{}, fmt.Errorf("no path_map entry exports %q", programName)
}

func (d *v2Document) engineSection(want EngineType, programName string, sources []string) (*EngineSection, error) {
	got, err := d.Engine.engineType()
	if err != nil {
		return nil, &apperr.ConfigMergeError{Kind: apperr.MissingEngineType, Configs: sources}
	}
	if got != want {
		return nil, &apperr.ConfigMergeError{Kind: apperr.ConversionMismatch, Configs: sources}
	}

	target, props, err := d.Runtime.selectPath(programName)
	if err != nil {
		kind := apperr.UnmatchedProgramName
		if errors.Is(err, errNoPathMapEntries) {
			kind = apperr.MissingHostPath
		}
		return nil, &apperr.ConfigMergeError{Kind: kind, Configs: sources}
	}

	resume, attach := parseInstanceMode(d.Runtime.Instance)
	if props.Instance != "" {
		resume, attach = parseInstanceMode(props.Instance)
	}
	runas := d.Runtime.User
	if props.User != "" {
		runas = props.User
	}

	section := &EngineSection{
		Name:          d.Runtime.Name,
		TargetAppPath: target,
		HostAppPath:   props.exportsOrDefault(target),
		BaseContainer: d.Runtime.BaseLayer,
		Layers:        d.Runtime.Layers,
		Runtime: RuntimeSection{
			Runas:  runas,
			Resume: resume,
			Attach: attach,
			Podman: d.Engine.Params.Podman,
		},
	}
	if want == VM {
		section.Runtime.Firecracker = d.Engine.Params.firecrackerSection()
	}

	if section.Name == "" {
		return nil, &apperr.ConfigMergeError{Kind: apperr.MissingName, Configs: sources}
	}
	if section.HostAppPath == "" {
		return nil, &apperr.ConfigMergeError{Kind: apperr.MissingHostPath, Configs: sources}
	}
	if want == VM && (section.Runtime.Firecracker.RootfsImagePath == "" || section.Runtime.Firecracker.KernelImagePath == "") {
		return nil, &apperr.ConfigMergeError{Kind: apperr.MissingFirecrackerParams, Configs: sources}
	}
	return section, nil
}

// schemaVersion reads the merged document's top-level "version" key,
// defaulting to 1 when absent, the same fallback cfgparse.rs's version
// dispatch uses.
func schemaVersion(merged map[string]interface{}) (int, error) {
	v, ok := merged["version"]
	if !ok || v == nil {
		return 1, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("parsing version %q: %w", t, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported version value %v", v)
	}
}

// Load reads <dir>/<basename>.yaml and merges every file found in
// <dir>/<basename>.d, in sorted filename order, into it. The merge
// follows mergeValues: mappings combine key by key, a null in the
// update leaves the base value alone, anything else in the update
// wins outright.
func Load(dir, basename string) (*FlakeConfig, []string, error) {
	baseFile := filepath.Join(dir, basename+".yaml")
	sources := []string{baseFile}

	merged, err := readYAMLMap(baseFile)
	if err != nil {
		return nil, sources, err
	}

	dropins, err := sortedDropins(filepath.Join(dir, basename+".d"))
	if err != nil {
		return nil, sources, err
	}
	for _, dropin := range dropins {
		sources = append(sources, dropin)
		update, err := readYAMLMap(dropin)
		if err != nil {
			return nil, sources, err
		}
		merged = mergeValues(merged, update)
	}

	ver, err := schemaVersion(merged)
	if err != nil {
		return nil, sources, err
	}

	out, err := yaml.Marshal(merged)
	if err != nil {
		return nil, sources, err
	}

	var cfg FlakeConfig
	switch ver {
	case 1:
		if err := yaml.Unmarshal(out, &cfg); err != nil {
			return nil, sources, fmt.Errorf("decoding merged flake config: %w", err)
		}
	case 2:
		var doc v2Document
		if err := yaml.Unmarshal(out, &doc); err != nil {
			return nil, sources, fmt.Errorf("decoding merged flake config: %w", err)
		}
		cfg.v2 = &doc
	default:
		return nil, sources, fmt.Errorf("unsupported flake config version %d", ver)
	}
	return &cfg, sources, nil
}

func readYAMLMap(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}

// sortedDropins lists the YAML files directly inside dir in
// lexicographic filename order. A missing directory is not an error:
// most flakes have no drop-ins at all.
func sortedDropins(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// mergeValues recursively combines update into base. Two mappings
// merge key by key; a nil update value keeps whatever base already
// had; anything else in update replaces base outright, including
// slices, which are never element-wise merged.
func mergeValues(base, update map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base)+len(update))
	for k, v := range base {
		result[k] = v
	}
	for k, uv := range update {
		if uv == nil {
			continue
		}
		if bv, ok := result[k]; ok {
			if bMap, ok1 := asMap(bv); ok1 {
				if uMap, ok2 := asMap(uv); ok2 {
					result[k] = mergeValues(bMap, uMap)
					continue
				}
			}
		}
		result[k] = uv
	}
	return result
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}
