package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmctl/orchestrator/internal/nats"
)

// Subjects used for the NATS request/reply agent protocol. Each agent
// listens for dispatch/probe/shutdown requests on subjects scoped to its own
// agent ID, mirroring the teacher's nats.Client request/reply helpers.
func dispatchSubject(agentID string) string { return fmt.Sprintf("agent.%s.dispatch", agentID) }
func probeSubject(agentID string) string    { return fmt.Sprintf("agent.%s.probe", agentID) }
func shutdownSubject(agentID string) string { return fmt.Sprintf("agent.%s.shutdown", agentID) }
func relaunchSubject(agentID string) string { return fmt.Sprintf("agent.%s.relaunch", agentID) }

// RemoteAgent dispatches work to agents over NATS request/reply subjects,
// grounded on internal/nats/client.go's Client.RequestJSON. An embedded
// nats-server (internal/nats/server.go) backs single-process/test
// deployments; a production deployment points the client at an external
// NATS cluster instead.
type RemoteAgent struct {
	client  *nats.Client
	timeout time.Duration
}

// NewRemoteAgent wraps an already-connected NATS client.
func NewRemoteAgent(client *nats.Client, timeout time.Duration) *RemoteAgent {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteAgent{client: client, timeout: timeout}
}

type dispatchRequest struct {
	TaskID  string                 `json:"task_id"`
	Payload map[string]interface{} `json:"payload"`
}

type dispatchResponse struct {
	Result DispatchResult `json:"result"`
}

func (r *RemoteAgent) Dispatch(ctx context.Context, agentID, taskID string, payload map[string]interface{}) (DispatchResult, error) {
	var resp dispatchResponse
	req := dispatchRequest{TaskID: taskID, Payload: payload}
	if err := r.client.RequestJSON(dispatchSubject(agentID), req, &resp, r.timeout); err != nil {
		return DispatchBusy, fmt.Errorf("dispatch to agent %s: %w", agentID, err)
	}
	return resp.Result, nil
}

type probeResponse struct {
	Alive bool `json:"alive"`
}

func (r *RemoteAgent) Probe(ctx context.Context, agentID string) (bool, error) {
	msg, err := r.client.Request(probeSubject(agentID), nil, r.timeout)
	if err != nil {
		// A request timeout on the probe subject means the agent is
		// unresponsive, not that the call itself failed — the liveness
		// protocol treats both identically (spec.md §6 Probe -> unresponsive).
		return false, nil
	}
	var resp probeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return false, fmt.Errorf("decode probe response from agent %s: %w", agentID, err)
	}
	return resp.Alive, nil
}

func (r *RemoteAgent) Shutdown(ctx context.Context, agentID string) error {
	if err := r.client.Publish(shutdownSubject(agentID), nil); err != nil {
		return fmt.Errorf("shutdown agent %s: %w", agentID, err)
	}
	return nil
}

// Relaunch requests that whatever process supervises agentID on the remote
// side restart it, via a dedicated relaunch subject. Satisfies
// agentregistry.Prober alongside Probe and Shutdown.
func (r *RemoteAgent) Relaunch(ctx context.Context, agentID string) error {
	if err := r.client.Publish(relaunchSubject(agentID), nil); err != nil {
		return fmt.Errorf("relaunch agent %s: %w", agentID, err)
	}
	return nil
}
