package bolt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// fakeBolt writes a shell script standing in for bolt. The script records its
// arguments, one per line, in an "args" file next to it.
func fakeBolt(t *testing.T, body string) (path string, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "bolt")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > \"$(dirname \"$0\")/args\"\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path, filepath.Join(dir, "args")
}

func readArgs(t *testing.T, argsFile string) []string {
	t.Helper()
	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
}

func newPlugin(t *testing.T, cfg Config) *Plugin {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func call(capability, action string, targets []string, params map[string]any) integration.Call {
	in := integration.Input{"targets": targets, "action": action}
	if params != nil {
		in["parameters"] = params
	}
	return integration.Call{Capability: capability, Input: in}
}

type recorder struct {
	mu       sync.Mutex
	commands []string
	stdout   strings.Builder
}

func (r *recorder) OnCommand(c string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
}

func (r *recorder) OnStdout(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdout.Write(b)
}

func (r *recorder) OnStderr([]byte) {}

const twoTargetsOK = `cat <<'JSON'
{"items":[
 {"target":"web01","action":"command","object":"uptime","status":"success","value":{"stdout":"up 1 day\n","stderr":"","exit_code":0}},
 {"target":"web02","action":"command","object":"uptime","status":"success","value":{"stdout":"up 2 days\n","stderr":"","exit_code":0}}
],"target_count":2,"elapsed_time":1}
JSON`

func TestRunCommand_ParsesPerTargetResults(t *testing.T) {
	path, argsFile := fakeBolt(t, twoTargetsOK)
	p := newPlugin(t, Config{Command: path, InventoryFile: "/etc/bolt/inventory.yaml"})

	rec := &recorder{}
	c := call(integration.CapCommandExecute, "uptime -p", []string{"web01", "web02"}, nil)
	c.Observer = rec
	c.Debug = integration.NewDebugContext("command")

	data, err := p.ExecuteCapability(context.Background(), c)
	require.NoError(t, err)
	out, ok := data.(*execution.Outcome)
	require.True(t, ok)

	require.Len(t, out.Results, 2)
	assert.Equal(t, "web01", out.Results[0].Node)
	assert.Equal(t, execution.NodeSuccess, out.Results[0].Status)
	require.NotNil(t, out.Results[0].Output)
	assert.Equal(t, "up 1 day\n", out.Results[0].Output.Stdout)
	require.NotNil(t, out.Results[0].Output.ExitCode)
	assert.Equal(t, 0, *out.Results[0].Output.ExitCode)
	assert.Contains(t, out.Command, "uptime -p")

	assert.Equal(t, []string{
		"command", "run", "uptime -p", "--targets", "web01,web02",
		"--inventoryfile", "/etc/bolt/inventory.yaml", "--format", "json",
	}, readArgs(t, argsFile))

	assert.Len(t, rec.commands, 1)
	assert.Contains(t, rec.stdout.String(), "web02")
	assert.Equal(t, out.Command, c.Debug.Info().Metadata["command"])
}

func TestRunCommand_PartialFailureIsNotAnError(t *testing.T) {
	path, _ := fakeBolt(t, `cat <<'JSON'
{"items":[
 {"target":"web01","action":"command","object":"false","status":"success","value":{"stdout":"","stderr":"","exit_code":0}},
 {"target":"web02","action":"command","object":"false","status":"failure","value":{"stdout":"","stderr":"boom\n","exit_code":1,"_error":{"kind":"puppetlabs.tasks/command-error","msg":"The command failed with exit code 1","details":{"exit_code":1}}}}
]}
JSON
exit 2`)
	p := newPlugin(t, Config{Command: path})

	out, err := p.RunCommand(context.Background(), call(integration.CapCommandExecute, "false", []string{"web01", "web02"}, nil))
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, execution.NodeSuccess, out.Results[0].Status)
	assert.Equal(t, execution.NodeFailed, out.Results[1].Status)
	assert.Equal(t, "The command failed with exit code 1", out.Results[1].Error)
	assert.Equal(t, execution.StatusPartial, execution.ComputeStatus([]string{"web01", "web02"}, out.Results))
}

func TestRunCommand_ClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
		want pluginerr.Code
	}{
		{
			name: "unreachable",
			body: "echo 'Failed to connect to web01: Connection refused - connect(2)' >&2\nexit 1",
			want: pluginerr.CodeNodeUnreachable,
		},
		{
			name: "inventory missing",
			body: "echo 'Could not find inventory file /nope.yaml' >&2\nexit 1",
			want: pluginerr.CodeInventoryNotFound,
		},
		{
			name: "unclassified",
			body: "echo 'something odd happened' >&2\nexit 1",
			want: pluginerr.CodeExecution,
		},
		{
			name: "no output",
			body: "exit 3",
			want: pluginerr.CodeExecution,
		},
		{
			name: "garbage output",
			body: "echo 'not json'",
			want: pluginerr.CodeParse,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path, _ := fakeBolt(t, tc.body)
			p := newPlugin(t, Config{Command: path})
			_, err := p.RunCommand(context.Background(), call(integration.CapCommandExecute, "uptime", []string{"web01"}, nil))
			require.Error(t, err)
			n := pluginerr.Normalize(err, Name)
			assert.Equal(t, tc.want, n.Code, n.Message)
			assert.Equal(t, Name, n.PluginName)
		})
	}
}

func TestRunTask_PassesParametersAsJSON(t *testing.T) {
	path, argsFile := fakeBolt(t, `cat <<'JSON'
{"items":[{"target":"db01","action":"task","object":"service::restart","status":"success","value":{"status":"restarted"}}]}
JSON`)
	p := newPlugin(t, Config{Command: path, ProjectDir: t.TempDir()})

	out, err := p.RunTask(context.Background(), call(integration.CapTaskExecute, "service::restart", []string{"db01"},
		map[string]any{"name": "nginx"}))
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, map[string]any{"status": "restarted"}, out.Results[0].Value)

	args := readArgs(t, argsFile)
	assert.Equal(t, []string{"task", "run", "service::restart", "--params", `{"name":"nginx"}`, "--targets", "db01"}, args[:7])
	assert.Contains(t, args, "--project")
}

func TestRunTask_UnknownTaskFromBoltError(t *testing.T) {
	path, _ := fakeBolt(t, `cat <<'JSON'
{"_error":{"kind":"bolt/unknown-task","msg":"Could not find a task named 'nope::x'. For a list of available tasks, run 'bolt task show'.","details":{}}}
JSON
exit 1`)
	p := newPlugin(t, Config{Command: path})

	_, err := p.RunTask(context.Background(), call(integration.CapTaskExecute, "nope::x", []string{"web01"}, nil))
	require.Error(t, err)
	n := pluginerr.Normalize(err, Name)
	assert.Equal(t, pluginerr.CodeTaskNotFound, n.Code)
	assert.Equal(t, "nope::x", n.Details["task"])
}

func TestRunTask_ParameterError(t *testing.T) {
	path, _ := fakeBolt(t, "echo \"Task nginx::install: parameter 'version' is required\" >&2\nexit 1")
	p := newPlugin(t, Config{Command: path})

	_, err := p.RunTask(context.Background(), call(integration.CapTaskExecute, "nginx::install", []string{"web01"}, nil))
	var perr *pluginerr.TaskParameterError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "nginx::install", perr.Task)
	assert.Equal(t, "is required", perr.Params["version"])
}

func TestInstallPackage(t *testing.T) {
	path, argsFile := fakeBolt(t, `cat <<'JSON'
{"items":[{"target":"web01","action":"task","object":"package","status":"success","value":{"status":"installed","version":"1.24.0"}}]}
JSON`)
	p := newPlugin(t, Config{Command: path})

	out, err := p.InstallPackage(context.Background(), call(integration.CapPackageInstall, "nginx", []string{"web01"},
		map[string]any{"version": "1.24.0"}))
	require.NoError(t, err)
	assert.Equal(t, execution.NodeSuccess, out.Results[0].Status)
	args := readArgs(t, argsFile)
	assert.Equal(t, []string{"task", "run", "package", "--params", `{"action":"install","name":"nginx","version":"1.24.0"}`}, args[:5])

	_, err = p.InstallPackage(context.Background(), call(integration.CapPackageInstall, "", []string{"web01"}, nil))
	assert.Equal(t, pluginerr.CodeTaskParameter, pluginerr.CodeOf(err))

	_, err = p.InstallPackage(context.Background(), call(integration.CapPackageInstall, "nginx", []string{"web01"},
		map[string]any{"ensure": "explode"}))
	assert.Equal(t, pluginerr.CodeTaskParameter, pluginerr.CodeOf(err))
}

func TestRunPuppet_BuildsAgentCommand(t *testing.T) {
	path, argsFile := fakeBolt(t, twoTargetsOK)
	p := newPlugin(t, Config{Command: path})

	_, err := p.RunPuppet(context.Background(), call(integration.CapPuppetRun, "", []string{"web01", "web02"},
		map[string]any{"noop": true, "tags": []any{"nginx", "ssl"}, "environment": "staging"}))
	require.NoError(t, err)

	args := readArgs(t, argsFile)
	require.GreaterOrEqual(t, len(args), 3)
	assert.Equal(t, "command", args[0])
	cmd := args[2]
	assert.True(t, strings.HasPrefix(cmd, "puppet agent --onetime"))
	assert.Contains(t, cmd, "--noop")
	assert.Contains(t, cmd, "--tags nginx,ssl")
	assert.Contains(t, cmd, "--environment staging")
}

func TestRunPuppet_QuotesOperatorInput(t *testing.T) {
	path, argsFile := fakeBolt(t, twoTargetsOK)
	p := newPlugin(t, Config{Command: path})

	_, err := p.RunPuppet(context.Background(), call(integration.CapPuppetRun, "", []string{"web01"},
		map[string]any{"tags": "a b;id", "environment": "prod; rm -rf /tmp/x"}))
	require.NoError(t, err)

	cmd := readArgs(t, argsFile)[2]
	words, err := shellquote.Split(cmd)
	require.NoError(t, err)
	assert.Equal(t, "prod; rm -rf /tmp/x", words[len(words)-1])
	assert.Equal(t, "--environment", words[len(words)-2])
	assert.Contains(t, words, "a b;id")
	assert.NotContains(t, cmd, "--environment prod;")
}

func TestGatherFacts(t *testing.T) {
	path, argsFile := fakeBolt(t, `cat <<'JSON'
{"items":[{"target":"web01","action":"task","object":"facts","status":"success","value":{"os":{"family":"Debian"}}}]}
JSON`)
	p := newPlugin(t, Config{Command: path})

	out, err := p.GatherFacts(context.Background(), call(integration.CapFactsGather, "facts", []string{"web01"}, nil))
	require.NoError(t, err)
	value, ok := out.Results[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"family": "Debian"}, value["os"])
	assert.Equal(t, []string{"task", "run", "facts"}, readArgs(t, argsFile)[:3])
}

func TestGetInventory(t *testing.T) {
	path, argsFile := fakeBolt(t, `cat <<'JSON'
{"targets":[
 {"name":"web01","uri":"ssh://web01.example.com","config":{"transport":"ssh"},"groups":["all","web"]},
 {"name":"win01","uri":"winrm://win01","config":{},"groups":["all"]},
 "bare01"
],"count":3}
JSON`)
	p := newPlugin(t, Config{Command: path})

	nodes, err := p.GetInventory(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "ssh", nodes[0].Transport)
	assert.Equal(t, []string{"web"}, nodes[0].Groups)
	assert.Equal(t, "winrm", nodes[1].Transport)
	assert.Empty(t, nodes[1].Groups)
	assert.Equal(t, "bare01", nodes[2].URI)
	assert.Equal(t, "ssh", nodes[2].Transport)

	assert.Equal(t, []string{"inventory", "show", "--targets", "all", "--detail", "--format", "json"}, readArgs(t, argsFile))
}

func TestGetInventory_FailureIsClassified(t *testing.T) {
	path, _ := fakeBolt(t, "echo 'Could not find inventory file /srv/inventory.yaml' >&2\nexit 1")
	p := newPlugin(t, Config{Command: path})

	_, err := p.GetInventory(context.Background())
	assert.Equal(t, pluginerr.CodeInventoryNotFound, pluginerr.CodeOf(err))
}

func TestListTasks(t *testing.T) {
	path, _ := fakeBolt(t, `cat <<'JSON'
{"tasks":[["package","Manage packages"],["facts","Gather system facts"],{"name":"service","description":"Manage services"}],"modulepath":[]}
JSON`)
	p := newPlugin(t, Config{Command: path})

	data, err := p.ExecuteCapability(context.Background(), integration.Call{Capability: integration.CapTaskList})
	require.NoError(t, err)
	tasks, ok := data.([]TaskInfo)
	require.True(t, ok)
	require.Len(t, tasks, 3)
	assert.Equal(t, "facts", tasks[0].Name)
	assert.Equal(t, "Gather system facts", tasks[0].Description)
	assert.Equal(t, "service", tasks[2].Name)
}

func TestVersionGate(t *testing.T) {
	path, _ := fakeBolt(t, "echo '3.27.4'")

	p := newPlugin(t, Config{Command: path, MinVersion: "3.0.0"})
	require.NoError(t, p.Initialize(context.Background()))
	assert.True(t, p.IsInitialized())
	assert.Equal(t, "3.27.4", p.Version())
	h := p.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "3.27.4", h.Details["version"])

	old := newPlugin(t, Config{Command: path, MinVersion: ">= 4.0, < 5"})
	err := old.Initialize(context.Background())
	assert.Equal(t, pluginerr.CodeConfiguration, pluginerr.CodeOf(err))
	assert.False(t, old.IsInitialized())
	assert.False(t, old.HealthCheck(context.Background()).Healthy)

	_, err = New(Config{Command: path, MinVersion: "not a version"})
	assert.Equal(t, pluginerr.CodeConfiguration, pluginerr.CodeOf(err))
}

func TestInitialize_MissingExecutable(t *testing.T) {
	p := newPlugin(t, Config{Command: filepath.Join(t.TempDir(), "no-such-bolt")})
	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, pluginerr.CodeConfiguration, pluginerr.CodeOf(err))
	assert.False(t, p.HealthCheck(context.Background()).Healthy)
}

func TestRunCommand_Timeout(t *testing.T) {
	path, _ := fakeBolt(t, "sleep 5")
	p := newPlugin(t, Config{Command: path, Timeout: 200 * time.Millisecond, GracePeriod: 200 * time.Millisecond})

	start := time.Now()
	_, err := p.RunCommand(context.Background(), call(integration.CapCommandExecute, "uptime", []string{"web01"}, nil))
	assert.Less(t, time.Since(start), 3*time.Second)
	var terr *pluginerr.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, Name, terr.Plugin)
}

func TestExecuteCapability_Validation(t *testing.T) {
	path, _ := fakeBolt(t, twoTargetsOK)
	p := newPlugin(t, Config{Command: path})

	_, err := p.ExecuteCapability(context.Background(), integration.Call{Capability: integration.CapMetricsQuery})
	assert.Equal(t, pluginerr.CodePlugin, pluginerr.CodeOf(err))

	_, err = p.RunCommand(context.Background(), call(integration.CapCommandExecute, "uptime", nil, nil))
	assert.Error(t, err)

	_, err = p.RunCommand(context.Background(), call(integration.CapCommandExecute, " ", []string{"web01"}, nil))
	assert.Error(t, err)
}

func TestPlugin_ServesRouter(t *testing.T) {
	path, _ := fakeBolt(t, twoTargetsOK)
	p := newPlugin(t, Config{Command: path})

	m := integration.NewManager(integration.Options{})
	require.NoError(t, m.RegisterPlugin(p, integration.Config{Enabled: true, Priority: 10}))

	res := m.ExecuteCapability(context.Background(), "alice", integration.CapCommandExecute,
		integration.Input{"targets": []string{"web01", "web02"}, "action": "uptime"}, nil)
	require.True(t, res.Success, "%v", res.Error)
	assert.Equal(t, Name, res.HandledBy)
	assert.IsType(t, &execution.Outcome{}, res.Data)
}
