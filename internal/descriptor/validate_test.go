package descriptor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHealthCheck() *HealthCheckSpec {
	return &HealthCheckSpec{
		TCP:      "localhost:5432",
		Interval: Duration(10 * time.Second),
		Timeout:  Duration(5 * time.Second),
		Retries:  3,
	}
}

func deploymentOf(services ...*ServiceDescriptor) *Deployment {
	dep := &Deployment{
		Services: make(map[string]*ServiceDescriptor),
		Volumes:  make(map[string]*VolumeSpec),
		Networks: make(map[string]*NetworkSpec),
	}
	for _, sd := range services {
		if sd.Restart == "" {
			sd.Restart = RestartNever
		}
		dep.Services[sd.Name] = sd
		dep.ServiceOrder = append(dep.ServiceOrder, sd.Name)
	}
	return dep
}

func problemsOf(t *testing.T, err error) []Problem {
	t.Helper()
	require.Error(t, err)
	verr, ok := err.(*ValidationError)
	require.True(t, ok, "expected *ValidationError, got %T", err)
	return verr.Problems
}

func TestValidate_ValidDeployment(t *testing.T) {
	dep := deploymentOf(
		&ServiceDescriptor{Name: "db", Image: "postgres:16", HealthCheck: validHealthCheck()},
		&ServiceDescriptor{Name: "api", Image: "app/api", DependsOn: []DependencyRef{
			{Service: "db", Gate: GateHealthy},
		}},
	)
	assert.NoError(t, Validate(dep))
}

func TestValidate_MissingLaunchSpec(t *testing.T) {
	dep := deploymentOf(&ServiceDescriptor{Name: "ghost"})
	problems := problemsOf(t, Validate(dep))
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Message, "neither an image nor a command")
}

func TestValidate_SelfAndDanglingDependencies(t *testing.T) {
	dep := deploymentOf(&ServiceDescriptor{
		Name: "api", Image: "app/api",
		DependsOn: []DependencyRef{
			{Service: "api", Gate: GateStarted},
			{Service: "nosuch", Gate: GateStarted},
		},
	})
	problems := problemsOf(t, Validate(dep))
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0].Message, "depends on itself")
	assert.Contains(t, problems[1].Message, `undeclared service "nosuch"`)
}

func TestValidate_CompletedGateConflictsWithAlways(t *testing.T) {
	dep := deploymentOf(
		&ServiceDescriptor{Name: "job", Image: "app/job", Restart: RestartAlways},
		&ServiceDescriptor{Name: "api", Image: "app/api", DependsOn: []DependencyRef{
			{Service: "job", Gate: GateCompleted},
		}},
	)
	problems := problemsOf(t, Validate(dep))
	require.Len(t, problems, 1)
	assert.Equal(t, "api", problems[0].Subject)
	assert.Contains(t, problems[0].Message, "completed gate")
	assert.Contains(t, problems[0].Message, "restart policy")
}

func TestValidate_HealthCheckBounds(t *testing.T) {
	hc := &HealthCheckSpec{
		// no probe action at all
		Interval:    Duration(5 * time.Second),
		Timeout:     Duration(10 * time.Second), // >= interval
		Retries:     0,
		StartPeriod: Duration(-time.Second),
	}
	dep := deploymentOf(&ServiceDescriptor{Name: "db", Image: "postgres:16", HealthCheck: hc})

	problems := problemsOf(t, Validate(dep))
	fields := make([]string, len(problems))
	for i, p := range problems {
		fields[i] = p.Field
	}
	assert.ElementsMatch(t, []string{
		"healthcheck",
		"healthcheck.timeout",
		"healthcheck.retries",
		"healthcheck.start_period",
	}, fields)
}

func TestValidate_UndeclaredResources(t *testing.T) {
	dep := deploymentOf(&ServiceDescriptor{
		Name: "db", Image: "postgres:16",
		Mounts:   []Mount{{Volume: "dbdata", Path: "/var/lib/postgresql/data"}},
		Networks: []string{"backend"},
	})
	problems := problemsOf(t, Validate(dep))
	require.Len(t, problems, 2)
	assert.Contains(t, problems[0].Message, `undeclared volume "dbdata"`)
	assert.Contains(t, problems[1].Message, `undeclared network "backend"`)
}

func TestValidate_CycleNamesEveryMember(t *testing.T) {
	dep := deploymentOf(
		&ServiceDescriptor{Name: "a", Image: "img", DependsOn: []DependencyRef{{Service: "c", Gate: GateStarted}}},
		&ServiceDescriptor{Name: "b", Image: "img", DependsOn: []DependencyRef{{Service: "a", Gate: GateStarted}}},
		&ServiceDescriptor{Name: "c", Image: "img", DependsOn: []DependencyRef{{Service: "b", Gate: GateStarted}}},
	)
	problems := problemsOf(t, Validate(dep))
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Message, "dependency cycle")
	for _, member := range []string{"a", "b", "c"} {
		assert.Contains(t, problems[0].Message, member)
	}
}

func TestValidate_TwoServiceCycleReportedOnce(t *testing.T) {
	dep := deploymentOf(
		&ServiceDescriptor{Name: "a", Image: "img", DependsOn: []DependencyRef{{Service: "b", Gate: GateStarted}}},
		&ServiceDescriptor{Name: "b", Image: "img", DependsOn: []DependencyRef{{Service: "a", Gate: GateStarted}}},
	)
	problems := problemsOf(t, Validate(dep))
	require.Len(t, problems, 1)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	dep := deploymentOf(
		&ServiceDescriptor{Name: "ghost"},
		&ServiceDescriptor{Name: "api", Image: "app/api", DependsOn: []DependencyRef{
			{Service: "nosuch", Gate: GateStarted},
		}},
	)
	problems := problemsOf(t, Validate(dep))
	assert.Len(t, problems, 2, "validation must not stop at the first problem")
}
