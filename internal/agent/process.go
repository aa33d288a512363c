package agent

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// Spec is the static launch configuration for one process-local agent slot:
// the command and arguments used to (re)launch it, and the working
// directory it runs in. Grounded on the teacher's ProcessSpawner.SpawnAgent,
// with the WezTerm pane/window placement removed entirely — this just runs
// the command as a plain child process.
type Spec struct {
	AgentID string
	Command string
	Args    []string
	Dir     string
}

// ProcessAgent manages a fixed set of locally-spawned agent processes,
// tracking their PID for liveness probing and relaunching them in place
// during AgentRegistry recovery (spec.md §4.4). Grounded on the teacher's
// ProcessSpawner: a spawn mutex serializing launches, a runningAgents map
// keyed by agent ID, and StopAgentWithReason's PID-based kill path — minus
// every WezTerm-specific pane/tab/window concern (spec.md §1 Non-goals).
type ProcessAgent struct {
	mu      sync.Mutex
	specs   map[string]Spec
	running map[string]*exec.Cmd
	log     zerolog.Logger
}

// NewProcessAgent constructs a ProcessAgent that can launch the given specs.
func NewProcessAgent(specs []Spec, log zerolog.Logger) *ProcessAgent {
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		m[s.AgentID] = s
	}
	return &ProcessAgent{
		specs:   m,
		running: make(map[string]*exec.Cmd),
		log:     log.With().Str("component", "processagent").Logger(),
	}
}

// Dispatch for a process-local agent is a no-op beyond confirming the
// process is alive: the concrete LLM agent runtime reads its task off its
// own channel (spec.md §1 Non-goals — the runtime itself is out of scope).
func (p *ProcessAgent) Dispatch(ctx context.Context, agentID, taskID string, payload map[string]interface{}) (DispatchResult, error) {
	alive, err := p.Probe(ctx, agentID)
	if err != nil {
		return DispatchBusy, err
	}
	if !alive {
		return DispatchBusy, nil
	}
	return DispatchAccepted, nil
}

// Probe reports whether the agent's tracked process is still alive, via the
// platform probe in process_unix.go / process_other.go — generalized from
// the teacher's os.FindProcess + Signal(0) liveness check.
func (p *ProcessAgent) Probe(ctx context.Context, agentID string) (bool, error) {
	p.mu.Lock()
	cmd, ok := p.running[agentID]
	p.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false, nil
	}
	return processAlive(cmd.Process.Pid), nil
}

// Relaunch starts (or restarts) the agent's configured process, serialized
// by mu the same way the teacher's spawnMu prevented racing launches.
func (p *ProcessAgent) Relaunch(ctx context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spec, ok := p.specs[agentID]
	if !ok {
		return fmt.Errorf("no launch spec registered for agent %s", agentID)
	}

	cmd := exec.CommandContext(context.Background(), spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch agent %s: %w", agentID, err)
	}
	p.running[agentID] = cmd
	p.log.Info().Str("agent_id", agentID).Int("pid", cmd.Process.Pid).Msg("agent process launched")

	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// Shutdown kills the agent's tracked process, mirroring the teacher's
// StopAgentWithReason PID-kill fallback path.
func (p *ProcessAgent) Shutdown(ctx context.Context, agentID string) error {
	p.mu.Lock()
	cmd, ok := p.running[agentID]
	delete(p.running, agentID)
	p.mu.Unlock()

	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill agent %s: %w", agentID, err)
	}
	return nil
}
