package configmgmt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/process"
	"github.com/rs/zerolog"
)

type fakeExecutor struct {
	calls []process.Command
}

func (f *fakeExecutor) Run(_ context.Context, cmd process.Command) process.Result {
	f.calls = append(f.calls, cmd)
	return process.Result{Success: true}
}

type staticWorkspaces string

func (s staticWorkspaces) ConfigDir(labID string) (string, error) {
	return string(s) + "/" + labID, nil
}

func TestRunnerCommands(t *testing.T) {
	fe := &fakeExecutor{}
	r := NewRunner(fe, staticWorkspaces("/cm"), RunnerConfig{}, zerolog.Nop())
	lab := &engine.Lab{ID: "lab-1"}

	if res := r.TestConnectivity(context.Background(), lab, "/cm/lab-1/inventory.yml"); !res.Success {
		t.Fatal("expected success")
	}
	r.RunTaskBundle(context.Background(), lab, "machine_m1_playbook.yml", "/cm/lab-1/inventory.yml", "web1")

	ping := fe.calls[0]
	if ping.String() != "ansible all -i /cm/lab-1/inventory.yml -m ping" {
		t.Errorf("unexpected ping command: %s", ping)
	}
	if ping.Timeout != 300*time.Second || ping.Dir != "/cm/lab-1" {
		t.Errorf("unexpected ping settings: %+v", ping)
	}

	run := fe.calls[1]
	if !strings.HasPrefix(run.String(), "ansible-playbook -i /cm/lab-1/inventory.yml machine_m1_playbook.yml -v") {
		t.Errorf("unexpected playbook command: %s", run)
	}
	if !strings.HasSuffix(run.String(), "--limit web1") {
		t.Errorf("expected host limit: %s", run)
	}
	if run.Timeout != 1800*time.Second {
		t.Errorf("unexpected playbook timeout: %s", run.Timeout)
	}
}
