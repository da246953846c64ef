package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corralhq/corral/pkg/types"
)

// RecommendedAction is one step of a diagnosis plan
type RecommendedAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Diagnosis is the structured remediation plan for one problem
type Diagnosis struct {
	Diagnosis          string              `json:"diagnosis"`
	RootCause          string              `json:"root_cause"`
	RecommendedActions []RecommendedAction `json:"recommended_actions"`
	CanAutoFix         bool                `json:"can_auto_fix"`
	RiskLevel          types.RiskLevel     `json:"risk_level"`
	ManualSteps        []string            `json:"manual_steps,omitempty"`

	// Fallback marks plans derived from the static table rather than
	// the oracle
	Fallback bool `json:"fallback,omitempty"`
}

// LLMClient is the diagnosis oracle
type LLMClient interface {
	Diagnose(ctx context.Context, prompt string) (*Diagnosis, error)
}

// OllamaClient calls an Ollama-compatible /api/generate endpoint with
// JSON output forced
type OllamaClient struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaClient creates the default oracle client
func NewOllamaClient(endpoint, model string) *OllamaClient {
	return &OllamaClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *OllamaClient) Diagnose(ctx context.Context, prompt string) (*Diagnosis, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading llm response: %v", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm returned HTTP %d", resp.StatusCode)
	}

	var gen generateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, fmt.Errorf("malformed llm envelope: %v", err)
	}

	var diag Diagnosis
	if err := json.Unmarshal([]byte(gen.Response), &diag); err != nil {
		return nil, fmt.Errorf("malformed diagnosis JSON: %v", err)
	}
	if len(diag.RecommendedActions) == 0 {
		return nil, fmt.Errorf("diagnosis contains no actions")
	}
	return &diag, nil
}

// fallbackDiagnosis builds a plan from the static problem-to-action
// table. Used whenever the oracle is unreachable or returns garbage.
func fallbackDiagnosis(problem *types.Problem) *Diagnosis {
	actionName, ok := fallbackActions[problem.Type]
	if !ok {
		actionName = ActionAlertOnly
	}
	spec := Catalogue[actionName]
	return &Diagnosis{
		Diagnosis:  problem.Description,
		RootCause:  "static mapping (diagnosis oracle unavailable)",
		CanAutoFix: actionName != ActionAlertOnly,
		RiskLevel:  spec.RiskLevel,
		RecommendedActions: []RecommendedAction{{
			Action: actionName,
			Reason: fmt.Sprintf("default remediation for %s", problem.Type),
		}},
		Fallback: true,
	}
}

// buildPrompt assembles the diagnosis context: the problem, a fleet
// summary, the affected node, and the action catalogue
func buildPrompt(problem *types.Problem, snap *Snapshot) string {
	var b strings.Builder
	b.WriteString("You are the healing controller of a GPU fleet. ")
	b.WriteString("Diagnose the problem below and respond with a single JSON object ")
	b.WriteString(`{"diagnosis", "root_cause", "recommended_actions": [{"action", "params", "reason"}], "can_auto_fix", "risk_level", "manual_steps"}.` + "\n\n")

	b.WriteString("Problem:\n")
	if data, err := json.MarshalIndent(problem, "", "  "); err == nil {
		b.Write(data)
	}
	b.WriteString("\n\nFleet summary:\n")
	if data, err := json.MarshalIndent(snap.Summary, "", "  "); err == nil {
		b.Write(data)
	}

	if problem.NodeID != "" {
		for i := range snap.Nodes {
			if snap.Nodes[i].NodeID == problem.NodeID {
				b.WriteString("\n\nAffected node:\n")
				if data, err := json.MarshalIndent(&snap.Nodes[i], "", "  "); err == nil {
					b.Write(data)
				}
				break
			}
		}
	}

	b.WriteString("\n\nAvailable actions:\n")
	for name, spec := range Catalogue {
		fmt.Fprintf(&b, "- %s (risk %s): %s\n", name, spec.RiskLevel, spec.Description)
	}
	b.WriteString("\nOnly recommend actions from the list above.")
	return b.String()
}
