package makerdconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "makerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

const validConfig = `
db_path: /tmp/makerd.db
listens:
  - address: "0.0.0.0"
    port: 8080
machines:
  m1:
    description: "3D printer"
    write: m1.write
    manage: m1.manage
    initiator_default_perm: m1.write
actors:
  relay1:
    module: process
    params:
      command: /bin/true
actor_connections:
  - machine: m1
    name: relay1
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/makerd.db", cfg.DBPath)
	assert.Equal(t, 8080, cfg.Listens[0].Port)
	assert.Equal(t, "m1.write", cfg.Machines["m1"].Write)
	assert.Equal(t, 64, cfg.SubscriberBuffer, "default applies when unset")
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeConfig(t, validConfig+"\nbogus_key: true\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown key")
}

func TestLoadRejectsDanglingActorConnection(t *testing.T) {
	path := writeConfig(t, `
db_path: /tmp/makerd.db
machines:
  m1:
    write: m1.write
actor_connections:
  - machine: m1
    name: nonexistent
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown actor")
}

func TestLoadRejectsDanglingMachineReference(t *testing.T) {
	path := writeConfig(t, `
db_path: /tmp/makerd.db
actor_connections:
  - machine: nonexistent
    name: relay1
actors:
  relay1:
    module: process
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown machine")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadHonorsExplicitSubscriberBuffer(t *testing.T) {
	path := writeConfig(t, validConfig+"\nsubscriber_buffer: 128\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.SubscriberBuffer)
}
