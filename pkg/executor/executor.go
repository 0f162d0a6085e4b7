// Package executor runs the deploy/test stage of a validation task: apply
// the probe's infrastructure against an emulated backend, run its tests with
// the apply outputs injected, and always tear the infrastructure back down
// when the apply succeeded.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

const (
	deployFileName = "main.tf"
	testFileName   = "test_probe.py"
	reportFileName = "report.json"
)

// Config holds tool names and per-stage timeouts.
type Config struct {
	// Tool is the infrastructure tool binary ("terraform" or "tflocal").
	Tool string

	// TestRunner is the test tool binary.
	TestRunner string

	// Region is the emulated cloud region handed to the tooling.
	Region string

	InitTimeout    time.Duration
	ApplyTimeout   time.Duration
	DestroyTimeout time.Duration
	TestTimeout    time.Duration
}

// DefaultConfig returns the stock stage timeouts.
func DefaultConfig() Config {
	return Config{
		Tool:           "terraform",
		TestRunner:     "pytest",
		Region:         "us-east-1",
		InitTimeout:    120 * time.Second,
		ApplyTimeout:   300 * time.Second,
		DestroyTimeout: 300 * time.Second,
		TestTimeout:    300 * time.Second,
	}
}

// DeployTestExecutor materializes a probe app into a working directory and
// drives it through init, apply, test, and destroy.
type DeployTestExecutor struct {
	cfg    Config
	runner CommandRunner
	logger zerolog.Logger
}

// NewDeployTestExecutor creates an executor. A nil runner uses os/exec.
func NewDeployTestExecutor(cfg Config, runner CommandRunner, logger zerolog.Logger) *DeployTestExecutor {
	if cfg.Tool == "" {
		cfg = DefaultConfig()
	}
	if runner == nil {
		runner = &osRunner{}
	}
	return &DeployTestExecutor{
		cfg:    cfg,
		runner: runner,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs the full deploy/test lifecycle for one probe in workDir,
// pointing all tooling at the given backend endpoint. Whenever the apply
// stage succeeded, destroy runs exactly once before Execute returns, no
// matter how the later stages went.
func (e *DeployTestExecutor) Execute(ctx context.Context, workDir string, probe *processor.ProbeApp, endpoint string) (*processor.Result, error) {
	started := time.Now()
	result := &processor.Result{
		ArchID:    probe.ArchID,
		StartedAt: started,
		Deploy:    &processor.DeployOutcome{},
	}
	logger := e.logger.With().Str("arch_id", probe.ArchID).Logger()

	if err := e.materialize(workDir, probe); err != nil {
		return nil, fmt.Errorf("failed to write probe files: %w", err)
	}

	env := e.baseEnv(endpoint)
	var deployLog strings.Builder

	// init
	res, err := e.tool(ctx, workDir, env, e.cfg.InitTimeout, "init", "-no-color", "-input=false")
	if err != nil {
		return nil, err
	}
	deployLog.WriteString(res.Output())
	if !stageOK(res) {
		result.Deploy.Error = stageError("init", res)
		result.Status = processor.ResultFailed
		result.Logs.DeployLog = deployLog.String()
		result.Duration = time.Since(started)
		logger.Warn().Str("error", result.Deploy.Error).Msg("Init failed")
		return result, nil
	}
	result.Deploy.InitOK = true

	// apply
	res, err = e.tool(ctx, workDir, env, e.cfg.ApplyTimeout, "apply", "-auto-approve", "-no-color", "-input=false")
	if err != nil {
		return nil, err
	}
	deployLog.WriteString(res.Output())
	applied := stageOK(res)
	if applied {
		result.Deploy.ApplyOK = true
	} else {
		result.Deploy.Error = stageError("apply", res)
		logger.Warn().Str("error", result.Deploy.Error).Msg("Apply failed")
	}

	// Destroy is owed from the moment apply succeeds, regardless of what
	// the output and test stages do.
	if applied {
		defer func() {
			// Destroy still runs when the task deadline already fired.
			dctx := context.WithoutCancel(ctx)
			dres, derr := e.tool(dctx, workDir, env, e.cfg.DestroyTimeout, "destroy", "-auto-approve", "-no-color")
			if derr != nil {
				logger.Error().Err(derr).Msg("Destroy could not run")
				return
			}
			deployLog.WriteString(dres.Output())
			result.Deploy.DestroyOK = stageOK(dres)
			if !result.Deploy.DestroyOK {
				logger.Error().Str("error", stageError("destroy", dres)).Msg("Destroy failed")
			}
			result.Logs.DeployLog = deployLog.String()
		}()
	}

	if applied {
		outputs, oerr := e.readOutputs(ctx, workDir, env)
		if oerr != nil {
			logger.Warn().Err(oerr).Msg("Failed to read apply outputs")
		} else {
			result.Deploy.Outputs = outputs
		}

		if probe.TestCode != "" {
			tests, tout, terr := e.runTests(ctx, workDir, env, result.Deploy.Outputs)
			if terr != nil {
				return nil, terr
			}
			result.Tests = tests
			result.Logs.TestOutput = tout
		}
	}

	result.Status = DeriveStatus(result.Deploy, result.Tests)
	result.Logs.DeployLog = deployLog.String()
	result.Duration = time.Since(started)

	logger.Info().
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Msg("Deploy/test finished")

	return result, nil
}

// materialize writes the probe's files into the working directory.
func (e *DeployTestExecutor) materialize(workDir string, probe *processor.ProbeApp) error {
	if err := os.WriteFile(filepath.Join(workDir, deployFileName), []byte(probe.Deploy), 0o644); err != nil {
		return err
	}
	if probe.TestCode != "" {
		if err := os.WriteFile(filepath.Join(workDir, testFileName), []byte(probe.TestCode), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// baseEnv is the environment shared by every stage: dummy credentials plus
// the backend endpoint.
func (e *DeployTestExecutor) baseEnv(endpoint string) map[string]string {
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     "test",
		"AWS_SECRET_ACCESS_KEY": "test",
		"AWS_DEFAULT_REGION":    e.cfg.Region,
		"AWS_ENDPOINT_URL":      endpoint,
		"PATH":                  os.Getenv("PATH"),
		"HOME":                  os.Getenv("HOME"),
	}
}

func (e *DeployTestExecutor) tool(ctx context.Context, dir string, env map[string]string, timeout time.Duration, args ...string) (CommandResult, error) {
	return e.runner.Run(ctx, CommandSpec{
		Name:    e.cfg.Tool,
		Args:    args,
		Dir:     dir,
		Env:     env,
		Timeout: timeout,
	})
}

// readOutputs collects apply outputs as flat name/value pairs.
func (e *DeployTestExecutor) readOutputs(ctx context.Context, dir string, env map[string]string) (map[string]string, error) {
	res, err := e.tool(ctx, dir, env, e.cfg.InitTimeout, "output", "-json", "-no-color")
	if err != nil {
		return nil, err
	}
	if !stageOK(res) {
		return nil, fmt.Errorf("output failed: %s", strings.TrimSpace(res.Stderr))
	}

	var raw map[string]struct {
		Value interface{} `json:"value"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse outputs: %w", err)
	}

	outputs := make(map[string]string, len(raw))
	for name, entry := range raw {
		outputs[name] = fmt.Sprintf("%v", entry.Value)
	}
	return outputs, nil
}

// runTests executes the probe's test suite with apply outputs exposed as
// TF_OUTPUT_* variables, then parses the JSON report. A missing or corrupt
// report falls back to the exit code.
func (e *DeployTestExecutor) runTests(ctx context.Context, dir string, env map[string]string, outputs map[string]string) (*processor.TestOutcome, string, error) {
	testEnv := make(map[string]string, len(env)+len(outputs))
	for k, v := range env {
		testEnv[k] = v
	}
	for name, value := range outputs {
		testEnv["TF_OUTPUT_"+strings.ToUpper(name)] = value
	}

	reportPath := filepath.Join(dir, reportFileName)
	res, err := e.runner.Run(ctx, CommandSpec{
		Name: e.cfg.TestRunner,
		Args: []string{
			testFileName,
			"-q",
			"--json-report",
			"--json-report-file=" + reportFileName,
		},
		Dir:     dir,
		Env:     testEnv,
		Timeout: e.cfg.TestTimeout,
	})
	if err != nil {
		return nil, "", err
	}

	outcome := parseReport(reportPath)
	if outcome == nil {
		e.logger.Warn().Msg("Test report unusable, falling back to exit code")
		outcome = &processor.TestOutcome{FromExitCode: true}
		if res.ExitCode == 0 {
			outcome.Passed = 1
		} else {
			outcome.Failed = 1
		}
	}

	return outcome, res.Output(), nil
}

// testReport is the subset of the pytest JSON report format we read.
type testReport struct {
	Summary struct {
		Passed  int `json:"passed"`
		Failed  int `json:"failed"`
		Skipped int `json:"skipped"`
		Error   int `json:"error"`
	} `json:"summary"`
	Tests []struct {
		NodeID  string `json:"nodeid"`
		Outcome string `json:"outcome"`
		Call    struct {
			Longrepr string `json:"longrepr"`
		} `json:"call"`
	} `json:"tests"`
}

// parseReport reads the report file. Returns nil when the file is missing
// or unparsable.
func parseReport(path string) *processor.TestOutcome {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var report testReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil
	}

	outcome := &processor.TestOutcome{
		Passed:  report.Summary.Passed,
		Failed:  report.Summary.Failed,
		Skipped: report.Summary.Skipped,
		Errors:  report.Summary.Error,
	}
	for _, tc := range report.Tests {
		if tc.Outcome == "failed" || tc.Outcome == "error" {
			outcome.Failures = append(outcome.Failures, processor.TestFailure{
				Name:    tc.NodeID,
				Message: tc.Call.Longrepr,
			})
		}
	}
	return outcome
}

// DeriveStatus maps a deploy outcome and optional test outcome to the
// task's final status.
func DeriveStatus(deploy *processor.DeployOutcome, tests *processor.TestOutcome) processor.ResultStatus {
	if deploy == nil || !deploy.ApplyOK {
		return processor.ResultFailed
	}
	if tests == nil {
		// Deployment alone decides when there is nothing to test.
		return processor.ResultPassed
	}
	if tests.Failed == 0 && tests.Errors == 0 {
		return processor.ResultPassed
	}
	if tests.Passed > 0 {
		return processor.ResultPartial
	}
	return processor.ResultFailed
}

func stageOK(res CommandResult) bool {
	return !res.TimedOut && res.ExitCode == 0
}

func stageError(stage string, res CommandResult) string {
	if res.TimedOut {
		return fmt.Sprintf("%s timed out", stage)
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Sprintf("%s failed (exit %d): %s", stage, res.ExitCode, msg)
}
