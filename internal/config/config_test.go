package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Elektrobit/flake-pilot-sub000/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadMergesBaseAndDropins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myapp.yaml"), `
container:
  name: myapp
  host_app_path: /usr/bin/myapp
  runtime:
    runas: root
    podman:
      - --rm
`)
	// "a" sorts before "z": z's resume:true must win over a's resume:false.
	writeFile(t, filepath.Join(dir, "myapp.d", "a-base.yaml"), `
container:
  runtime:
    resume: false
`)
	writeFile(t, filepath.Join(dir, "myapp.d", "z-override.yaml"), `
container:
  runtime:
    resume: true
`)

	cfg, sources, err := Load(dir, "myapp")
	require.NoError(t, err)
	require.Len(t, sources, 3)

	section, err := cfg.Engine(Container, "myapp", sources)
	require.NoError(t, err)
	assert.Equal(t, "myapp", section.Name)
	assert.True(t, section.Runtime.Resume)
	assert.Equal(t, "root", section.Runtime.Runas)
	assert.Equal(t, []string{"--rm"}, section.Runtime.Podman)
}

func TestLoadNullUpdateKeepsBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myapp.yaml"), `
container:
  name: myapp
  host_app_path: /usr/bin/myapp
  runtime:
    runas: root
`)
	writeFile(t, filepath.Join(dir, "myapp.d", "01.yaml"), `
container:
  runtime:
    runas:
`)

	cfg, sources, err := Load(dir, "myapp")
	require.NoError(t, err)
	section, err := cfg.Engine(Container, "myapp", sources)
	require.NoError(t, err)
	assert.Equal(t, "root", section.Runtime.Runas)
}

func TestEngineMismatchIsConversionError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myapp.yaml"), `
container:
  name: myapp
  host_app_path: /usr/bin/myapp
`)
	cfg, sources, err := Load(dir, "myapp")
	require.NoError(t, err)

	_, err = cfg.Engine(VM, "myapp", sources)
	require.Error(t, err)
}

func TestMissingHostAppPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myapp.yaml"), `
container:
  name: myapp
`)
	cfg, sources, err := Load(dir, "myapp")
	require.NoError(t, err)

	_, err = cfg.Engine(Container, "myapp", sources)
	require.Error(t, err)
}

func TestMissingFirecrackerParamsIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myvm.yaml"), `
vm:
  name: myvm
  host_app_path: /usr/bin/myvm
`)
	cfg, sources, err := Load(dir, "myvm")
	require.NoError(t, err)

	_, err = cfg.Engine(VM, "myvm", sources)
	require.Error(t, err)
	var merr *apperr.ConfigMergeError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, apperr.MissingFirecrackerParams, merr.Kind)
}

func TestV2MissingFirecrackerParamsIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myvm.yaml"), `
version: 2
runtime:
  name: myvm
  path_map:
    /bin/sh:
      exports: /usr/bin/myvm
engine:
  pilot: firecracker-pilot
`)
	cfg, sources, err := Load(dir, "myvm")
	require.NoError(t, err)

	_, err = cfg.Engine(VM, "myvm", sources)
	require.Error(t, err)
	var merr *apperr.ConfigMergeError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, apperr.MissingFirecrackerParams, merr.Kind)
}

func TestMergeValuesArraysReplaceNotConcatenate(t *testing.T) {
	base := map[string]interface{}{"layers": []interface{}{"a", "b"}}
	update := map[string]interface{}{"layers": []interface{}{"c"}}
	merged := mergeValues(base, update)
	assert.Equal(t, []interface{}{"c"}, merged["layers"])
}

func TestV2SingleEntryPathMapResolvesWithoutNameMatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myapp.yaml"), `
version: 2
runtime:
  name: myapp
  base_layer: myapp.tar
  path_map:
    /usr/bin/myapp:
      exports: /usr/bin/myapp
      user: root
      instance: resume
engine:
  pilot: podman-pilot
  params:
    podman:
      - --rm
`)
	cfg, sources, err := Load(dir, "myapp")
	require.NoError(t, err)

	section, err := cfg.Engine(Container, "anything", sources)
	require.NoError(t, err)
	assert.Equal(t, "myapp", section.Name)
	assert.Equal(t, "/usr/bin/myapp", section.HostAppPath)
	assert.Equal(t, "/usr/bin/myapp", section.TargetAppPath)
	assert.Equal(t, "root", section.Runtime.Runas)
	assert.True(t, section.Runtime.Resume)
	assert.False(t, section.Runtime.Attach)
	assert.Equal(t, []string{"--rm"}, section.Runtime.Podman)
}

func TestV2MultiEntryPathMapMatchesByExportedName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "toolbox.yaml"), `
version: 2
runtime:
  name: toolbox
  instance: attach
  path_map:
    /usr/bin/one:
      exports: /usr/bin/alpha
    /usr/bin/two:
      exports: /usr/bin/beta
      instance: resume
engine:
  pilot: podman-pilot
`)
	cfg, sources, err := Load(dir, "toolbox")
	require.NoError(t, err)

	section, err := cfg.Engine(Container, "beta", sources)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/two", section.TargetAppPath)
	assert.True(t, section.Runtime.Resume)

	other, err := cfg.Engine(Container, "alpha", sources)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/one", other.TargetAppPath)
	assert.False(t, other.Runtime.Resume)
	assert.True(t, other.Runtime.Attach, "entry with no instance override inherits the runtime-level setting")
}

func TestV2UnmatchedProgramNameIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "toolbox.yaml"), `
version: 2
runtime:
  name: toolbox
  path_map:
    /usr/bin/one:
      exports: /usr/bin/alpha
    /usr/bin/two:
      exports: /usr/bin/beta
engine:
  pilot: podman-pilot
`)
	cfg, sources, err := Load(dir, "toolbox")
	require.NoError(t, err)

	_, err = cfg.Engine(Container, "nope", sources)
	require.Error(t, err)
}

func TestV2UnmatchedProgramNameReportsUnmatchedKind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "toolbox.yaml"), `
version: 2
runtime:
  name: toolbox
  path_map:
    /usr/bin/one:
      exports: /usr/bin/alpha
    /usr/bin/two:
      exports: /usr/bin/beta
engine:
  pilot: podman-pilot
`)
	cfg, sources, err := Load(dir, "toolbox")
	require.NoError(t, err)

	_, err = cfg.Engine(Container, "nope", sources)
	require.Error(t, err)
	var merr *apperr.ConfigMergeError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, apperr.UnmatchedProgramName, merr.Kind)
}

func TestV2EmptyPathMapReportsMissingHostPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "toolbox.yaml"), `
version: 2
runtime:
  name: toolbox
  path_map: {}
engine:
  pilot: podman-pilot
`)
	cfg, sources, err := Load(dir, "toolbox")
	require.NoError(t, err)

	_, err = cfg.Engine(Container, "toolbox", sources)
	require.Error(t, err)
	var merr *apperr.ConfigMergeError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, apperr.MissingHostPath, merr.Kind)
}

func TestV2EnginePilotMismatchIsConversionError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myvm.yaml"), `
version: 2
runtime:
  name: myvm
  path_map:
    /bin/sh:
      exports: /usr/bin/myvm
engine:
  pilot: firecracker-pilot
  params:
    kernel_image_path: /boot/vmlinux
    rootfs_image_path: /var/lib/firecracker/rootfs.ext4
`)
	cfg, sources, err := Load(dir, "myvm")
	require.NoError(t, err)

	_, err = cfg.Engine(Container, "myvm", sources)
	require.Error(t, err)

	section, err := cfg.Engine(VM, "myvm", sources)
	require.NoError(t, err)
	require.NotNil(t, section.Runtime.Firecracker)
	assert.Equal(t, "/boot/vmlinux", section.Runtime.Firecracker.KernelImagePath)
}

func TestV2StaticListFeedsTars(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myapp.yaml"), `
version: 2
runtime:
  name: myapp
  path_map:
    /usr/bin/myapp:
      exports: /usr/bin/myapp
engine:
  pilot: podman-pilot
static:
  - /var/lib/flakes/myapp/data.tar
`)
	cfg, _, err := Load(dir, "myapp")
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/lib/flakes/myapp/data.tar"}, cfg.Tars())
}

func TestUnsupportedVersionIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myapp.yaml"), `
version: 3
container:
  name: myapp
`)
	_, _, err := Load(dir, "myapp")
	require.Error(t, err)
}

func TestNoDropinDirectoryIsFine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "myapp.yaml"), `
vm:
  name: myapp
  host_app_path: /usr/bin/myapp
`)
	_, sources, err := Load(dir, "myapp")
	require.NoError(t, err)
	assert.Len(t, sources, 1)
}
