package descriptor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDeclaration = `
services:
  db:
    image: postgres:16
    environment:
      POSTGRES_DB: app
    ports:
      - "5432:5432"
    volumes:
      - dbdata:/var/lib/postgresql/data
    networks:
      - backend
    healthcheck:
      command: ["pg_isready", "-U", "postgres"]
      interval: 10s
      timeout: 5s
      retries: 5
      start_period: 30s
    restart: always

  migrate:
    image: app/migrate:latest
    depends_on:
      db:
        gate: healthy
    restart: never

  api:
    image: app/api:latest
    command: ["/app/server", "--port", "8080"]
    ports:
      - "8080:8080"
    networks:
      - backend
    depends_on:
      db:
        gate: healthy
      migrate:
        gate: completed
    healthcheck:
      http: http://localhost:8080/healthz
      interval: 5s
      timeout: 2s
      retries: 3
    restart: on-failure

  worker:
    image: app/worker:latest
    depends_on:
      - api

volumes:
  dbdata:
  certs:
    external: true

networks:
  backend:
`

func TestLoad_FullDeclaration(t *testing.T) {
	dep, err := Load([]byte(sampleDeclaration))
	require.NoError(t, err)

	assert.Equal(t, []string{"db", "migrate", "api", "worker"}, dep.ServiceOrder,
		"declaration order must be preserved")

	db := dep.Service("db")
	require.NotNil(t, db)
	assert.Equal(t, "postgres:16", db.Image)
	assert.Equal(t, map[string]string{"POSTGRES_DB": "app"}, db.Env)
	assert.Equal(t, []string{"5432:5432"}, db.Ports)
	assert.Equal(t, RestartAlways, db.Restart)
	require.Len(t, db.Mounts, 1)
	assert.Equal(t, Mount{Volume: "dbdata", Path: "/var/lib/postgresql/data"}, db.Mounts[0])

	require.NotNil(t, db.HealthCheck)
	assert.Equal(t, ProbeCommand, db.HealthCheck.Kind())
	assert.Equal(t, 10*time.Second, db.HealthCheck.Interval.Std())
	assert.Equal(t, 5*time.Second, db.HealthCheck.Timeout.Std())
	assert.Equal(t, 30*time.Second, db.HealthCheck.StartPeriod.Std())
	assert.Equal(t, 5, db.HealthCheck.Retries)

	api := dep.Service("api")
	require.NotNil(t, api)
	assert.Equal(t, []DependencyRef{
		{Service: "db", Gate: GateHealthy},
		{Service: "migrate", Gate: GateCompleted},
	}, api.DependsOn)
	assert.Equal(t, ProbeHTTP, api.HealthCheck.Kind())

	// sequence form defaults to the started gate
	worker := dep.Service("worker")
	require.NotNil(t, worker)
	assert.Equal(t, []DependencyRef{{Service: "api", Gate: GateStarted}}, worker.DependsOn)
	// restart defaults to never
	assert.Equal(t, RestartNever, worker.Restart)

	require.Contains(t, dep.Volumes, "dbdata")
	assert.False(t, dep.Volumes["dbdata"].External)
	require.Contains(t, dep.Volumes, "certs")
	assert.True(t, dep.Volumes["certs"].External)
	require.Contains(t, dep.Networks, "backend")
	assert.False(t, dep.Networks["backend"].External)
}

func TestLoad_ReadOnlyMount(t *testing.T) {
	dep, err := Load([]byte(`
services:
  proxy:
    image: nginx:alpine
    volumes:
      - certs:/etc/certs:ro
volumes:
  certs:
    external: true
`))
	require.NoError(t, err)
	require.Len(t, dep.Service("proxy").Mounts, 1)
	assert.True(t, dep.Service("proxy").Mounts[0].ReadOnly)
}

func TestLoad_BadDurations(t *testing.T) {
	_, err := Load([]byte(`
services:
  db:
    image: postgres:16
    healthcheck:
      tcp: localhost:5432
      interval: soon
      timeout: 5s
      retries: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_BadMountSpec(t *testing.T) {
	_, err := Load([]byte(`
services:
  db:
    image: postgres:16
    volumes:
      - dbdata
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid volume binding")
}

func TestLoad_DependsOnScalarRejected(t *testing.T) {
	_, err := Load([]byte(`
services:
  api:
    image: app/api
    depends_on: db
`))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDeclaration), 0o644))

	dep, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, dep.Services, 4)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
